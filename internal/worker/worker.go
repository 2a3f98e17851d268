// Copyright (c) 2025 EMhub Team
// EMhub - electron microscopy facility management
// This source code is licensed under the MIT license found in the LICENSE file.

// Package worker prepares the data folders of new sessions. It polls the
// API for pending sessions, creates <folder>/<name> with a README and
// reports the outcome through the session status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/3dem/emhub/client"
	"github.com/3dem/emhub/internal/logging"
	"github.com/3dem/emhub/internal/model"
	"github.com/3dem/emhub/internal/remote"
	"github.com/3dem/emhub/internal/sessions"
)

// ReadmeName is written inside every session folder.
const ReadmeName = "README.txt"

// Options tunes the polling loop.
type Options struct {
	// RetryDelay is the pause after a failed poll (3s).
	RetryDelay time.Duration
	Now        func() time.Time
}

// Worker handles pending sessions with an API client and a filesystem.
type Worker struct {
	api  client.Client
	fs   remote.FS
	opts Options
}

// New returns a Worker. The client must be logged in as a manager.
func New(api client.Client, fs remote.FS, opts Options) *Worker {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 3 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{api: api, fs: fs, opts: opts}
}

// List prints one session name per line.
func (w *Worker) List(ctx context.Context, out io.Writer) error {
	list, err := w.api.ListSessions(ctx, nil)
	if err != nil {
		return err
	}
	for _, s := range list {
		if _, err := fmt.Fprintln(out, s.Name); err != nil {
			return err
		}
	}
	return nil
}

// Run polls until ctx is cancelled. Poll failures are logged and retried.
func (w *Worker) Run(ctx context.Context) error {
	logging.Infof("session worker started")
	for {
		if _, err := w.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			logging.Errorf("polling sessions: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.RetryDelay):
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	logging.Infof("session worker stopped")
	return nil
}

// ProcessOnce runs one poll and handles what it returns. It reports how
// many sessions got their folder.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	var pending []sessions.PendingSession
	err := w.withLogin(ctx, func() (err error) {
		pending, err = w.api.PollSessions(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	done := 0
	for _, p := range pending {
		if err := w.handle(ctx, p); err != nil {
			logging.Errorf("session %s: %v", p.Name, err)
			continue
		}
		done++
	}
	return done, nil
}

// withLogin runs call and, when the server no longer accepts the token,
// logs in again and retries it once.
func (w *Worker) withLogin(ctx context.Context, call func() error) error {
	err := call()
	if !client.IsUnauthorized(err) {
		return err
	}
	logging.Warnf("API login expired, logging in again")
	if lerr := w.api.Login(ctx); lerr != nil {
		return fmt.Errorf("login: %w", lerr)
	}
	return call()
}

func (w *Worker) update(ctx context.Context, attrs map[string]any) error {
	return w.withLogin(ctx, func() error {
		_, err := w.api.UpdateSession(ctx, attrs)
		return err
	})
}

func (w *Worker) handle(ctx context.Context, p sessions.PendingSession) error {
	dir, err := w.prepare(p)
	if err != nil {
		if uerr := w.update(ctx, map[string]any{
			"id":     p.ID,
			"status": model.SessionFailed,
			"extra":  map[string]any{"error": err.Error()},
		}); uerr != nil {
			return errors.Join(err, uerr)
		}
		return err
	}
	err = w.update(ctx, map[string]any{
		"id":     p.ID,
		"status": model.SessionCreated,
		"extra":  map[string]any{"raw_folder": dir},
	})
	if err != nil {
		return err
	}
	logging.Infof("session %s: created %s", p.Name, dir)
	return nil
}

// prepare creates the session folder and its README.
func (w *Worker) prepare(p sessions.PendingSession) (string, error) {
	if p.Folder == "" {
		return "", fmt.Errorf("no folder configured for session group of %s", p.Name)
	}
	dir := path.Join(p.Folder, p.Name)
	if err := w.fs.MkdirAll(dir); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	if err := w.fs.WriteFile(path.Join(dir, ReadmeName), []byte(Readme(p, w.opts.Now()))); err != nil {
		return "", fmt.Errorf("write README: %w", err)
	}
	return dir, nil
}

// Readme describes the session for whoever browses the folder.
func Readme(p sessions.PendingSession, now time.Time) string {
	var b strings.Builder
	line := func(key, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%-10s %s\n", key+":", value)
		}
	}
	person := func(x sessions.Person) string {
		if x.Email == "" {
			return x.Name
		}
		return fmt.Sprintf("%s <%s>", x.Name, x.Email)
	}
	line("Session", p.Name)
	line("Booking", p.Title)
	if !p.Start.IsZero() {
		line("Start", p.Start.UTC().Format("2006-01-02 15:04"))
	}
	line("User", person(p.User))
	line("PI", person(p.PI))
	line("Operator", person(p.Operator))
	line("Created", now.UTC().Format(time.RFC3339))
	return b.String()
}
