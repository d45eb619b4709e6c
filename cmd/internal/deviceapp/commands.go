package deviceapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/flexerosint/flexer-osint/cmd/internal/admin"
	"github.com/flexerosint/flexer-osint/cmd/internal/device/remote"
	"github.com/flexerosint/flexer-osint/cmd/internal/docstore"
	"github.com/flexerosint/flexer-osint/cmd/internal/lookup"
	"github.com/flexerosint/flexer-osint/cmd/internal/reconcile"
)

var (
	errQuit  = errors.New("quit")
	errUsage = errors.New("usage")
)

// Command groups map to viewrouter.Screen.Allows.
const (
	groupAny      = "any"
	groupAuth     = "auth"
	groupSession  = "session"
	groupConflict = "conflict"
	groupTools    = "tools"
	groupAdmin    = "admin"
)

type command struct {
	name  string
	group string
	usage string
	args  int
	run   func(ctx context.Context, a *App, args []string) error
}

var commands []command

func init() {
	commands = []command{
		{"help", groupAny, "help", 0, cmdHelp},
		{"status", groupAny, "status", 0, cmdStatus},
		{"quit", groupAny, "quit", 0, func(context.Context, *App, []string) error { return errQuit }},

		{"register", groupAuth, "register <email> <password>", 2, cmdRegister},
		{"login", groupAuth, "login <email> <password>", 2, cmdLogin},

		{"logout", groupSession, "logout", 0, cmdLogout},
		{"passwd", groupSession, "passwd <current> <new>", 2, cmdPasswd},

		{"resume", groupConflict, "resume", 0, cmdResume},
		{"request-access", groupConflict, "request-access [label]", 0, cmdRequestAccess},

		{"tools", groupTools, "tools", 0, cmdTools},
		{"lookup", groupTools, "lookup <tool> <query>", 2, cmdLookup},

		{"users", groupAdmin, "users", 0, cmdUsers},
		{"approve", groupAdmin, "approve <uid>", 1, approveCmd(true)},
		{"unapprove", groupAdmin, "unapprove <uid>", 1, approveCmd(false)},
		{"promote", groupAdmin, "promote <uid>", 1, adminCmd(true)},
		{"demote", groupAdmin, "demote <uid>", 1, adminCmd(false)},
		{"accept", groupAdmin, "accept <uid>", 1, cmdAccept},
		{"revoke", groupAdmin, "revoke <uid> <sessionId>", 2, cmdRevoke},
		{"tool-add", groupAdmin, "tool-add <name> <GET|POST> <urlTemplate> [description]", 3, cmdToolAdd},
		{"tool-rm", groupAdmin, "tool-rm <tool>", 1, cmdToolRemove},
		{"tool-seed", groupAdmin, "tool-seed [path]", 0, cmdToolSeed},
	}
}

func findCommand(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// Exec runs one command line against the current screen.
func (a *App) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	cmd, ok := findCommand(name)
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", name)
	}
	screen := a.engine.View().Screen()
	if cmd.group != groupAny && !screen.Allows(cmd.group) {
		return fmt.Errorf("%s is not available on the %s screen", name, screen)
	}
	args := fields[1:]
	if len(args) < cmd.args {
		return fmt.Errorf("%w: %s", errUsage, cmd.usage)
	}
	a.log.Debug("device.command", "command", name, "screen", string(screen))
	return cmd.run(ctx, a, args)
}

func cmdHelp(_ context.Context, a *App, _ []string) error {
	screen := a.engine.View().Screen()
	a.printf("Commands on the %s screen:\n", screen)
	for _, c := range commands {
		if c.group == groupAny || screen.Allows(c.group) {
			a.printf("  %s\n", c.usage)
		}
	}
	return nil
}

func cmdStatus(_ context.Context, a *App, _ []string) error {
	v := a.engine.View()
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "screen\t%s\n", v.Screen())
	fmt.Fprintf(w, "state\t%s\n", v.State)
	if v.Authenticated {
		fmt.Fprintf(w, "account\t%s (%s)\n", v.Email, v.SubjectID)
		fmt.Fprintf(w, "device session\t%s\n", v.DeviceSessionID)
	}
	if v.ProfileLoaded {
		fmt.Fprintf(w, "approved\t%t\n", v.Profile.IsApproved)
		fmt.Fprintf(w, "admin\t%t\n", v.Profile.IsAdmin)
		fmt.Fprintf(w, "active session\t%s\n", nonEmpty(v.Profile.LastSessionID, "-"))
		fmt.Fprintf(w, "authorized devices\t%d\n", len(v.Profile.AuthorizedSessions))
	}
	if v.BootstrapError != nil {
		fmt.Fprintf(w, "error\t%s\n", v.BootstrapError.Error())
	}
	if v.ActionError != nil {
		fmt.Fprintf(w, "last action\t%s\n", describe(v.ActionError))
	}
	return w.Flush()
}

func cmdRegister(ctx context.Context, a *App, args []string) error {
	uid, err := a.client.CreateAccount(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	a.printf("account created (%s)\n", uid)
	return nil
}

func cmdLogin(ctx context.Context, a *App, args []string) error {
	if _, err := a.client.AuthenticateWithPassword(ctx, args[0], args[1]); err != nil {
		return err
	}
	a.printf("signed in as %s\n", args[0])
	return nil
}

func cmdLogout(ctx context.Context, a *App, _ []string) error {
	if err := a.engine.SignOut(ctx); err != nil {
		return err
	}
	a.printf("signed out\n")
	return nil
}

func cmdPasswd(ctx context.Context, a *App, args []string) error {
	if err := a.client.ChangePassword(ctx, args[0], args[1]); err != nil {
		return err
	}
	a.printf("password changed; other sessions were signed out\n")
	return nil
}

func cmdResume(ctx context.Context, a *App, _ []string) error {
	return a.engine.Resume(ctx)
}

func cmdRequestAccess(ctx context.Context, a *App, args []string) error {
	label := strings.Join(args, " ")
	if label == "" {
		label = a.cfg.Label
	}
	if err := a.engine.RequestAuthorization(ctx, label); err != nil {
		return err
	}
	a.printf("access requested for %q; waiting for an administrator\n", label)
	return nil
}

func cmdTools(ctx context.Context, a *App, _ []string) error {
	tools, err := a.catalog.List(ctx)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		a.printf("no tools configured\n")
		return nil
	}
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMETHOD\tENABLED\tDESCRIPTION")
	for _, t := range tools {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", t.Name, nonEmpty(t.Method, "GET"), t.Enabled, t.Description)
	}
	return w.Flush()
}

func cmdLookup(ctx context.Context, a *App, args []string) error {
	tool, err := a.catalog.Find(ctx, args[0])
	if err != nil {
		return err
	}
	query := strings.Join(args[1:], " ")
	result, err := a.runner.Run(ctx, tool, query)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, result, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(result)
	}
	a.printf("%s\n\nSummary: %s\n", pretty.String(), a.summarizer.Summarize(ctx, result))
	return nil
}

func cmdUsers(ctx context.Context, a *App, _ []string) error {
	list, err := a.admin.ListProfiles(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tEMAIL\tAPPROVED\tROLE\tACTIVE\tDEVICES\tPENDING")
	for _, p := range list {
		role := "user"
		switch {
		case p.IsOwner:
			role = "owner"
		case p.IsAdmin:
			role = "admin"
		}
		pending := "-"
		if p.HasPending() {
			pending = p.PendingSessionID
			if p.PendingSessionMetadata != nil && p.PendingSessionMetadata.Label != "" {
				pending += " (" + p.PendingSessionMetadata.Label + ")"
			}
		}
		ids := make([]string, 0, len(p.AuthorizedSessions))
		for _, d := range p.AuthorizedSessions {
			ids = append(ids, d.SessionID)
		}
		sort.Strings(ids)
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n", p.SubjectID, p.Email, p.IsApproved, role,
			nonEmpty(p.LastSessionID, "-"), nonEmpty(strings.Join(ids, ","), "-"), pending)
	}
	return w.Flush()
}

func approveCmd(approved bool) func(context.Context, *App, []string) error {
	return func(ctx context.Context, a *App, args []string) error {
		if err := a.admin.SetApproved(ctx, args[0], approved); err != nil {
			return err
		}
		a.printf("%s approved=%t\n", args[0], approved)
		return nil
	}
}

func adminCmd(isAdmin bool) func(context.Context, *App, []string) error {
	return func(ctx context.Context, a *App, args []string) error {
		if err := a.admin.SetAdmin(ctx, args[0], isAdmin); err != nil {
			return err
		}
		a.printf("%s admin=%t\n", args[0], isAdmin)
		return nil
	}
}

func cmdAccept(ctx context.Context, a *App, args []string) error {
	if err := a.admin.AcceptPendingSession(ctx, args[0]); err != nil {
		return err
	}
	a.printf("pending device accepted for %s\n", args[0])
	return nil
}

func cmdRevoke(ctx context.Context, a *App, args []string) error {
	if err := a.admin.RevokeAuthorizedSession(ctx, args[0], args[1]); err != nil {
		return err
	}
	a.printf("session %s revoked for %s\n", args[1], args[0])
	return nil
}

func cmdToolAdd(ctx context.Context, a *App, args []string) error {
	t := lookup.ToolConfig{
		Name:        args[0],
		Method:      strings.ToUpper(args[1]),
		URLTemplate: args[2],
		Description: strings.Join(args[3:], " "),
		Enabled:     true,
	}
	id, err := a.catalog.Save(ctx, t)
	if err != nil {
		return err
	}
	a.printf("tool %q saved (%s)\n", t.Name, id)
	return nil
}

func cmdToolRemove(ctx context.Context, a *App, args []string) error {
	t, err := a.catalog.Find(ctx, args[0])
	if err != nil {
		return err
	}
	if err := a.catalog.Delete(ctx, t.ID); err != nil {
		return err
	}
	a.printf("tool %q removed\n", t.Name)
	return nil
}

func cmdToolSeed(ctx context.Context, a *App, args []string) error {
	path := a.cfg.ToolsSeed
	if len(args) > 0 {
		path = args[0]
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: tool-seed <path> (or set tools_seed)", errUsage)
	}
	tools, err := lookup.LoadSeed(path)
	if err != nil {
		return err
	}
	n, err := a.catalog.Seed(ctx, tools)
	if err != nil {
		return err
	}
	a.printf("%d of %d tools added\n", n, len(tools))
	return nil
}

// describe renders err for the user.
func describe(err error) string {
	var authErr *remote.AuthError
	var httpErr *lookup.HTTPError
	var bootErr *reconcile.BootstrapError
	switch {
	case errors.Is(err, remote.ErrInvalidCredentials):
		return "invalid email or password"
	case errors.As(err, &authErr) && authErr.Code == remote.CodeThrottled:
		if authErr.RetryAfter > 0 {
			return fmt.Sprintf("too many attempts; try again in %s", authErr.RetryAfter.Round(time.Second))
		}
		return "too many attempts; try again later"
	case errors.Is(err, remote.ErrAccountExists):
		return "an account with that email already exists"
	case errors.Is(err, remote.ErrWeakPassword):
		return "password does not meet the policy"
	case errors.Is(err, remote.ErrInvalidEmail):
		return "invalid email address"
	case errors.Is(err, remote.ErrReauthRequired):
		return "sign in again before changing the password"
	case errors.Is(err, reconcile.ErrInvalidState):
		return "not available in the current session state"
	case errors.Is(err, reconcile.ErrRevoked):
		return "this device was revoked; use 'request-access' to ask an administrator"
	case errors.Is(err, admin.ErrOwnerProtected):
		return "the owner's role cannot be changed"
	case errors.Is(err, admin.ErrNoPendingSession):
		return "that user has no pending device"
	case errors.Is(err, admin.ErrSessionNotFound):
		return "no such authorized session"
	case errors.Is(err, lookup.ErrToolNotFound):
		return "no such tool"
	case errors.Is(err, lookup.ErrDisabled):
		return "that tool is disabled"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("provider answered HTTP %d", httpErr.Status)
	case errors.As(err, &bootErr):
		return bootErr.Error()
	case docstore.IsPermissionDenied(err):
		return "permission denied"
	case docstore.IsNotFound(err):
		return "not found"
	case docstore.IsConflict(err):
		return "the profile kept changing; try again"
	case docstore.IsUnavailable(err):
		return "server unavailable; check the connection"
	default:
		return err.Error()
	}
}
