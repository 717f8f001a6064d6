// Command checkin is the student's terminal client: it signs in, enrolls a
// face and runs a QR plus face check-in against the API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/incogx/Facer-app/internal/apiclient"
	"github.com/incogx/Facer-app/internal/config"
	"github.com/incogx/Facer-app/internal/credentials"
	"github.com/incogx/Facer-app/internal/flow"
	"github.com/incogx/Facer-app/internal/logging"
)

const usage = `usage: checkin <command> [flags]

The password comes from -password, CHECKIN_PASSWORD or a terminal prompt.

commands:
  signup  -reg REG -name NAME [-email E] [-department D]   register
  login   -reg REG                                         sign in
  enroll  -image FILE                                      store your face, once
  mark    -qr PAYLOAD -image FILE[,FILE...]                check in, one image per attempt
  today                                                    today's attendance
  logout                                                   forget the saved session
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := config.LoadClient()
	log, err := logging.New(&logging.Config{Level: cfg.LogLevel, Format: "console", Output: "stderr"}, "facer-checkin")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &app{cfg: cfg, log: log, store: credentials.NewStore(cfg.CredentialsPath)}
	app.client = apiclient.New(cfg.APIURL)
	app.client.OnRefresh = func(s credentials.Session) {
		if err := app.store.Save(s); err != nil {
			log.Warn("save refreshed session failed", zap.Error(err))
		}
	}

	if err := app.run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg    config.Client
	log    *zap.Logger
	store  *credentials.Store
	client *apiclient.Client
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	reg := fs.String("reg", "", "registration number")
	password := fs.String("password", os.Getenv("CHECKIN_PASSWORD"), "password")
	name := fs.String("name", "", "full name")
	email := fs.String("email", "", "email")
	department := fs.String("department", "", "department")
	image := fs.String("image", "", "image file, or comma separated files for mark")
	payload := fs.String("qr", "", "scanned QR payload")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if (cmd == "signup" || cmd == "login") && *password == "" {
		pw, err := readPassword()
		if err != nil {
			return err
		}
		*password = pw
	}

	switch cmd {
	case "signup":
		s, err := a.client.Signup(ctx, apiclient.SignupRequest{
			RegistrationNumber: *reg, Password: *password, Name: *name, Email: *email, Department: *department,
		})
		if err != nil {
			return err
		}
		fmt.Printf("registered %s (%s)\n", s.Name, s.RegistrationNumber)
		return a.store.Save(s)
	case "login":
		s, err := a.client.Login(ctx, *reg, *password)
		if err != nil {
			return err
		}
		fmt.Printf("signed in as %s\n", s.Name)
		return a.store.Save(s)
	case "logout":
		return a.store.Clear()
	}

	sess, err := a.store.Load()
	if errors.Is(err, credentials.ErrNoSession) {
		return errors.New("not signed in; run checkin login")
	}
	if err != nil {
		return err
	}
	a.client.SetSession(sess)

	switch cmd {
	case "enroll":
		data, err := os.ReadFile(*image)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if err := a.client.EnrollFace(ctx, data); err != nil {
			return err
		}
		fmt.Println("face enrolled")
		return nil
	case "today":
		stats, err := a.client.Today(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("attended %d, remaining %d\n", stats.Attended, stats.Remaining)
		return nil
	case "mark":
		return a.mark(ctx, sess, *payload, splitFiles(*image))
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// mark walks the check-in flow, feeding the next image whenever the flow
// asks for a capture.
func (a *app) mark(ctx context.Context, sess credentials.Session, payload string, images []string) error {
	f := flow.New(a.client, sess, flow.Config{MaxAttempts: a.cfg.MaxAttempts, CallTimeout: a.cfg.CallTimeout}, a.log)
	if !f.Decode(payload) {
		return errors.New("empty QR payload")
	}

	for _, path := range images {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		if err := f.Capture(data); err != nil {
			return err
		}
		out, err := f.Verify(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("[%s] %s\n", out.State, out.Message)

		switch out.State {
		case flow.Success:
			if out.Confidence > 0 {
				fmt.Printf("confidence %.2f at %s\n", out.Confidence, time.Now().Format(time.Kitchen))
			}
			return nil
		case flow.Failure:
			return errors.New("check-in failed")
		case flow.Scanning:
			return errors.New("scan the QR code again")
		case flow.Retry:
			if err := f.Retry(); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("ran out of images after %d attempt(s)", f.Attempts())
}

// readPassword prompts on the terminal without echo.
var readPassword = func() (string, error) {
	fmt.Fprint(os.Stderr, "password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func splitFiles(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
