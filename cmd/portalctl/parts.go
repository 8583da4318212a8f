package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iliyamo/hajj-portal/internal/client"
	"github.com/iliyamo/hajj-portal/internal/identity"
	"github.com/iliyamo/hajj-portal/internal/tracker"
)

var partsFlags = struct {
	server     string
	token      string
	guestName  string
	deviceFile string
}{}

func partsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parts",
		Short: "Claim and release parts of the current reading round",
		// talks to a server over HTTP and needs no local config
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	}
	cmd.PersistentFlags().StringVar(&partsFlags.server, "server", envOr("PORTAL_URL", "http://localhost:8080"), "portal base URL")
	cmd.PersistentFlags().StringVar(&partsFlags.token, "token", os.Getenv("PORTAL_TOKEN"), "access token; without one you act as a guest")
	cmd.PersistentFlags().StringVar(&partsFlags.guestName, "guest-name", "", "name shown next to parts you claim as a guest")
	cmd.PersistentFlags().StringVar(&partsFlags.deviceFile, "device-file", "", "guest device token file (default ~/.portalctl/device_id)")

	cmd.AddCommand(&cobra.Command{
		Use:   "login USERNAME",
		Short: "Sign in and print an access token for --token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pwd, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			tok, err := client.New(partsFlags.server).Login(cmd.Context(), args[0], pwd)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Access)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show the grid",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			g, err := c.Parts(cmd.Context())
			if err != nil {
				return err
			}
			return renderGrid(cmd.OutOrStdout(), g)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "claim ID",
		Short: "Claim a part",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := partID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if c.Token == "" && strings.TrimSpace(partsFlags.guestName) == "" {
				return errors.New("--guest-name is required without --token")
			}
			v := client.NewView(c)
			if err := v.Load(cmd.Context()); err != nil {
				return err
			}
			guestName := partsFlags.guestName
			if c.Token != "" {
				guestName = ""
			}
			p, err := v.ClaimOptimistic(cmd.Context(), id, guestName)
			if err != nil {
				return describe(err, v, id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "claimed part %d as %s\n", p.PartNumber, p.ClaimantName)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "release ID",
		Short: "Release a part you hold (admins may release any part)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := partID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			v := client.NewView(c)
			if err := v.Load(cmd.Context()); err != nil {
				return err
			}
			if err := v.ReleaseOptimistic(cmd.Context(), id); err != nil {
				return describe(err, v, id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released part %d\n", id)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "watch",
		Short: "Follow the grid as it changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			v := client.NewView(c)
			out := cmd.OutOrStdout()
			return c.Watch(ctx, func(g tracker.GridView) error {
				v.Replace(g)
				shown, _ := v.Snapshot()
				fmt.Fprintf(out, "%s  claimed %d/%d  mine %d  completed %d\n",
					shown.State.Name, shown.Claimed, len(shown.Parts), shown.MineCount, shown.State.CompletedCount)
				return nil
			})
		},
	})
	return cmd
}

func newClient() (*client.Client, error) {
	if partsFlags.token != "" {
		return client.New(partsFlags.server, client.WithToken(partsFlags.token)), nil
	}
	path := partsFlags.deviceFile
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locate device file: %w", err)
		}
		path = filepath.Join(home, "."+programName, "device_id")
	}
	dev, err := loadDeviceID(path)
	if err != nil {
		return nil, err
	}
	return client.New(partsFlags.server, client.WithDevice(dev)), nil
}

// loadDeviceID returns the device token stored at path, creating one on
// first use.  An unreadable or malformed file is replaced.
func loadDeviceID(path string) (string, error) {
	if bs, err := os.ReadFile(path); err == nil {
		if dev := strings.TrimSpace(string(bs)); identity.ValidDeviceID(dev) {
			return dev, nil
		}
	}
	dev := identity.NewDeviceID()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create device file: %w", err)
	}
	if err := os.WriteFile(path, []byte(dev+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device file: %w", err)
	}
	return dev, nil
}

func partID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid part id %q", s)
	}
	return id, nil
}

// describe turns a failed write into a message naming the current holder
// where one is known.
func describe(err error, v *client.View, id int) error {
	switch {
	case errors.Is(err, tracker.ErrConflict):
		if g, _ := v.Snapshot(); g != nil {
			for _, p := range g.Parts {
				if p.ID == id && p.ClaimantName != "" {
					return fmt.Errorf("part %d is already taken by %s", p.PartNumber, p.ClaimantName)
				}
			}
		}
		return fmt.Errorf("part %d is already taken", id)
	case errors.Is(err, tracker.ErrPermissionDenied):
		return fmt.Errorf("part %d is not yours to release", id)
	case errors.Is(err, tracker.ErrNotFound):
		return fmt.Errorf("part %d does not exist", id)
	case tracker.IsFatal(err):
		return fmt.Errorf("server reported an inconsistent archive, contact an administrator: %w", err)
	}
	return err
}

func renderGrid(w io.Writer, g tracker.GridView) error {
	fmt.Fprintf(w, "%s (completed %d)\n", g.State.Name, g.State.CompletedCount)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PART\tSTATUS\tCLAIMANT\t")
	for _, p := range g.Parts {
		name := p.ClaimantName
		if p.IsGuest && name != "" {
			name += " (guest)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t\n", p.PartNumber, p.Status, name)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d/%d claimed, %d yours\n", g.Claimed, len(g.Parts), g.MineCount)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
