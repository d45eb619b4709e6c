// Package deviceapp is the interactive device client: it signs in against the identity
// provider, runs the session reconciliation engine and offers the commands of the screen the
// view router selects.
package deviceapp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/flexerosint/flexer-osint/cmd/internal/admin"
	"github.com/flexerosint/flexer-osint/cmd/internal/device/remote"
	"github.com/flexerosint/flexer-osint/cmd/internal/device/tokenstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/lookup"
	"github.com/flexerosint/flexer-osint/cmd/internal/profile"
	"github.com/flexerosint/flexer-osint/cmd/internal/reconcile"
	"github.com/flexerosint/flexer-osint/cmd/internal/summarize"
	"github.com/flexerosint/flexer-osint/cmd/internal/viewrouter"
)

// App wires the device components together.
type App struct {
	cfg Config
	log *slog.Logger
	out io.Writer

	kv         tokenstore.KV
	closeKV    func() error
	client     *remote.Client
	engine     *reconcile.Engine
	admin      *admin.Service
	catalog    *lookup.Catalog
	runner     *lookup.Runner
	summarizer summarize.Summarizer

	mu      sync.Mutex
	latest  reconcile.View
	changed chan struct{}

	// Run loop state.
	screen  viewrouter.Screen
	watch   docstore.Subscription
	pending map[string]struct{}
	watchCh chan []profile.Profile
}

// Open builds an App from cfg, opening the SQLite state file at cfg.StatePath.
func Open(cfg Config, log *slog.Logger, out io.Writer) (*App, error) {
	kv, err := tokenstore.OpenSQLite(cfg.StatePath)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, log, out, kv, nil)
	if err != nil {
		_ = kv.Close()
		return nil, err
	}
	a.closeKV = kv.Close
	return a, nil
}

func build(cfg Config, log *slog.Logger, out io.Writer, kv tokenstore.KV, httpClient *http.Client) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if out == nil {
		out = io.Discard
	}

	opts := []remote.Option{remote.WithTokenKV(kv), remote.WithLogger(log)}
	if httpClient != nil {
		opts = append(opts, remote.WithHTTPClient(httpClient))
	}
	client, err := remote.New(remote.Config{
		BaseURL:     cfg.ServerURL,
		Platform:    cfg.Platform,
		HTTPTimeout: cfg.HTTPTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}

	engine, err := reconcile.New(reconcile.Config{
		DeviceLabel: cfg.Label,
		Platform:    cfg.Platform,
	}, reconcile.Deps{
		Identity: client,
		Profiles: client,
		Sessions: tokenstore.New(kv),
		Log:      log,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	a := &App{
		cfg:        cfg,
		log:        log,
		out:        out,
		kv:         kv,
		client:     client,
		engine:     engine,
		admin:      admin.New(client, log),
		catalog:    lookup.NewCatalog(client, log),
		runner:     &lookup.Runner{Timeout: cfg.LookupTimeout, Log: log},
		summarizer: summarize.New(cfg.AI, log),
		latest:     engine.View(),
		changed:    make(chan struct{}, 1),
		pending:    make(map[string]struct{}),
		watchCh:    make(chan []profile.Profile, 1),
	}
	engine.OnChange(func(v reconcile.View) {
		a.mu.Lock()
		a.latest = v
		a.mu.Unlock()
		select {
		case a.changed <- struct{}{}:
		default:
		}
	})
	return a, nil
}

// Close releases the change feed and the state file.
func (a *App) Close() error {
	var errs []error
	if err := a.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.closeKV != nil {
		if err := a.closeKV(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) view() reconcile.View {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

// Run restores any persisted sign-in, starts the engine and reads commands from in until
// quit, end of input or ctx is done.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine.Run(ctx) }()
	defer func() {
		cancel()
		<-engineDone
	}()

	if err := a.client.Restore(ctx); err != nil {
		a.log.Warn("device.restore.fail", "err", err)
		fmt.Fprintf(a.out, "could not restore previous sign-in: %s\n", describe(err))
	}
	defer a.stopWatch()

	lines := scanLines(ctx, in)
	a.printf("flexer device %q (%s). Type 'help' for commands.\n", a.cfg.Label, a.cfg.ServerURL)
	a.onView(a.view())
	a.prompt()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-engineDone:
			engineDone <- err
			return err
		case <-a.changed:
			a.onView(a.view())
		case list := <-a.watchCh:
			a.onProfiles(list)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := a.Exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				a.printf("error: %s\n", describe(err))
			}
			a.prompt()
		}
	}
}

func scanLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *App) prompt() {
	a.printf("%s> ", a.view().Screen())
}

// onView reports screen transitions and keeps the admin profile watch in step with the
// admin screen.
func (a *App) onView(v reconcile.View) {
	screen := v.Screen()
	if screen == a.screen {
		return
	}
	a.screen = screen
	a.printf("\n-- %s --\n", screen)
	switch screen {
	case viewrouter.ScreenError:
		if v.BootstrapError != nil {
			a.printf("%s\n%s\n", v.BootstrapError.Error(), v.BootstrapError.Remediation())
		}
	case viewrouter.ScreenConflict:
		a.printf("Another device is the active session for %s.\n", v.Email)
		a.printf("Use 'resume' to take over here or 'request-access [label]' to ask an administrator.\n")
	case viewrouter.ScreenLoading:
		a.printf("Loading profile...\n")
	case viewrouter.ScreenSignIn:
		a.printf("Sign in with 'login <email> <password>' or create an account with 'register'.\n")
	case viewrouter.ScreenPendingApproval:
		a.printf("Signed in as %s. An administrator must approve this account.\n", v.Email)
	case viewrouter.ScreenAdmin, viewrouter.ScreenTools:
		a.printf("Signed in as %s. Type 'tools' to list lookup tools.\n", v.Email)
	}

	if screen == viewrouter.ScreenAdmin {
		a.startWatch()
	} else {
		a.stopWatch()
	}
}

func (a *App) startWatch() {
	if a.watch != nil {
		return
	}
	sub, err := a.admin.WatchProfiles(context.Background(), func(list []profile.Profile) {
		select {
		case <-a.watchCh:
		default:
		}
		a.watchCh <- list
	}, func(err error) {
		a.log.Warn("device.watch.fail", "err", err)
	})
	if err != nil {
		a.log.Warn("device.watch.fail", "err", err)
		return
	}
	a.watch = sub
}

func (a *App) stopWatch() {
	if a.watch == nil {
		return
	}
	a.watch.Unsubscribe()
	a.watch = nil
	clear(a.pending)
}

// onProfiles announces approval and access requests that appeared since the last update.
func (a *App) onProfiles(list []profile.Profile) {
	if a.watch == nil {
		return
	}
	seen := make(map[string]struct{}, len(list))
	for _, p := range list {
		if !p.IsApproved && !p.IsOwner {
			key := p.SubjectID + "/approval"
			seen[key] = struct{}{}
			if _, ok := a.pending[key]; !ok {
				a.printf("\n! %s is waiting for approval. 'approve %s' to grant access.\n", p.Email, p.SubjectID)
			}
		}
		if p.HasPending() {
			key := p.SubjectID + "/" + p.PendingSessionID
			seen[key] = struct{}{}
			if _, ok := a.pending[key]; !ok {
				label := p.PendingSessionID
				if p.PendingSessionMetadata != nil && strings.TrimSpace(p.PendingSessionMetadata.Label) != "" {
					label = p.PendingSessionMetadata.Label
				}
				a.printf("\n! %s requests access for device %q. 'accept %s' to approve it.\n", p.Email, label, p.SubjectID)
			}
		}
	}
	a.pending = seen
}
