package cmd

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/pairgate/internal/config"
	"github.com/nextlevelbuilder/pairgate/internal/credentials"
	"github.com/nextlevelbuilder/pairgate/internal/whatsapp"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "View and manage stored WhatsApp sessions",
	}
	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionStatusCmd())
	cmd.AddCommand(sessionClearCmd())
	cmd.AddCommand(sessionExportCmd())
	return cmd
}

// bundleInfo describes one bundle directory on disk.
type bundleInfo struct {
	BotID      string    `json:"botId"`
	Registered bool      `json:"registered"`
	Files      int       `json:"files"`
	Bytes      int64     `json:"bytes"`
	Updated    time.Time `json:"updated"`
}

func sessionListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List credential bundles in the sessions directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := loadCredentialStore()
			if err != nil {
				return err
			}
			ids, err := store.List()
			if err != nil {
				return err
			}
			infos := make([]bundleInfo, 0, len(ids))
			for _, id := range ids {
				info, err := describeBundle(cmd.Context(), store, id)
				if err != nil {
					return err
				}
				infos = append(infos, info)
			}
			printBundleInfos(infos, jsonOutput)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func sessionStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the default session's status on the running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}
			var out map[string]interface{}
			if err := client.do(cmd.Context(), "GET", "/session/status", nil, &out); err != nil {
				return err
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func sessionClearCmd() *cobra.Command {
	var local bool
	cmd := &cobra.Command{
		Use:   "clear [botId]",
		Short: "Log out and delete a session's credentials",
		Long: "Without --local the running server clears the default session. " +
			"With --local the bundle directory is removed directly; stop the server first.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !local {
				if len(args) == 1 {
					return errors.New("the server only clears the default session; use --local for other bots")
				}
				client, err := newAPIClient()
				if err != nil {
					return err
				}
				if err := client.do(cmd.Context(), "DELETE", "/session/clear", nil, nil); err != nil {
					return err
				}
				fmt.Println("Default session cleared.")
				return nil
			}

			store, err := loadCredentialStore()
			if err != nil {
				return err
			}
			botID := config.DefaultBotID
			if len(args) == 1 {
				botID = args[0]
			}
			if err := store.Clear(botID); err != nil {
				return err
			}
			fmt.Printf("Removed bundle for %s.\n", botID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "remove the bundle directory instead of asking the server")
	return cmd
}

func sessionExportCmd() *cobra.Command {
	var seal bool
	cmd := &cobra.Command{
		Use:   "export <botId>",
		Short: "Print a bundle as base64, usable as PAIRGATE_CREDS_REMOTE on another host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			store := newCredentialStore(cfg)
			if !store.Registered(cmd.Context(), args[0]) {
				return fmt.Errorf("no stored credentials for %s", args[0])
			}
			dir, err := store.Dir(args[0])
			if err != nil {
				return err
			}
			data, err := credentials.Pack(dir)
			if err != nil {
				return err
			}
			if seal {
				sealed, err := credentials.Seal(data, cfg.Remote.Key)
				if err != nil {
					return fmt.Errorf("seal bundle (set remote.key or PAIRGATE_BUNDLE_KEY): %w", err)
				}
				fmt.Println(string(sealed))
				return nil
			}
			fmt.Println(base64.StdEncoding.EncodeToString(data))
			return nil
		},
	}
	cmd.Flags().BoolVar(&seal, "seal", false, "encrypt with remote.key instead of plain base64")
	return cmd
}

func describeBundle(ctx context.Context, store *credentials.Store, botID string) (bundleInfo, error) {
	info := bundleInfo{BotID: botID, Registered: store.Registered(ctx, botID)}
	dir, err := store.Dir(botID)
	if err != nil {
		return info, err
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		info.Files++
		info.Bytes += fi.Size()
		if fi.ModTime().After(info.Updated) {
			info.Updated = fi.ModTime()
		}
		return nil
	})
	return info, err
}

func printBundleInfos(infos []bundleInfo, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.MarshalIndent(infos, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(infos) == 0 {
		fmt.Println("No sessions found.")
		return
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "BOT\tREGISTERED\tFILES\tSIZE\tUPDATED\n")
	for _, s := range infos {
		updated := "-"
		if !s.Updated.IsZero() {
			updated = s.Updated.Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\t%s\n", s.BotID, s.Registered, s.Files, formatBytes(s.Bytes), updated)
	}
	tw.Flush()
}

func loadCredentialStore() (*credentials.Store, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newCredentialStore(cfg), nil
}

// newCredentialStore opens the sessions directory for offline inspection.
func newCredentialStore(cfg *config.Config) *credentials.Store {
	return credentials.NewStore(credentials.Options{
		Root:   config.ExpandHome(cfg.Sessions.Dir),
		Paired: whatsapp.Registered,
	})
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
