package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/iliyamo/hajj-portal/internal/app"
	"github.com/iliyamo/hajj-portal/internal/database"
	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/model"
	"github.com/iliyamo/hajj-portal/internal/repository"
)

var readPasswordFunc = term.ReadPassword

const adminTimeout = time.Minute

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := commonRun()
			a, err := app.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			if err := database.Migrate(ctx, a.DB, a.Dialect); err != nil {
				return err
			}
			logger.Info("schema is up to date", "driver", string(a.Dialect))
			return nil
		},
	}
}

func seedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Apply the schema and seed the part grid and default settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := commonRun()
			a, err := app.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			if err := a.Prepare(ctx); err != nil {
				return err
			}
			logger.Info("tracker seeded", "parts", cfg.Tracker.Parts)
			return nil
		},
	}
}

func addUserCommand() *cobra.Command {
	var (
		fullName string
		admin    bool
	)
	cmd := &cobra.Command{
		Use:   "adduser USERNAME",
		Short: "Create an account; the password is read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := commonRun()
			pwd, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if len(pwd) < 6 {
				return errors.New("password must be at least 6 characters")
			}
			if strings.TrimSpace(fullName) == "" {
				fullName = args[0]
			}
			role := model.RoleUser
			if admin {
				role = model.RoleAdmin
			}

			a, err := app.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()
			id, err := a.Users.Create(ctx, args[0], pwd, strings.TrimSpace(fullName), role, cfg.Auth.BcryptCost)
			if errors.Is(err, repository.ErrUsernameExists) {
				return fmt.Errorf("username %q is already taken", repository.NormalizeUsername(args[0]))
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (id=%d, role=%s)\n", repository.NormalizeUsername(args[0]), id, role)
			return nil
		},
	}
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name (defaults to the username)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	return cmd
}

// readPassword prompts on a terminal and reads one line otherwise.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Enter password: ")
		pwd, err := readPasswordFunc(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(pwd), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func archiveCommand() *cobra.Command {
	var name, as string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Close the current reading round and start a new one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := commonRun()
			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
			defer cancel()

			u, err := a.Users.GetByUsername(ctx, as)
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("no such user %q", as)
			}
			if err != nil {
				return err
			}
			res, err := a.Archiver.ArchiveAndReset(ctx, identity.NewRegistered(u.ID, u.Role), name)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "archived %q (track #%d, %d participants)\n",
				res.Track.Name, res.Track.ID, res.Track.ParticipantsCount)
			fmt.Fprintf(out, "now reading %q, %d completed\n", res.State.Name, res.State.CompletedCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "name of the new round")
	cmd.Flags().StringVar(&as, "as", "", "admin username performing the archive")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}
