package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/danielpatrickdp/convoloop/internal/logging"
	"github.com/danielpatrickdp/convoloop/internal/state"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	last    int
	jsonOut bool
)

// #region main
var rootCmd = &cobra.Command{
	Use:          "inspect",
	Short:        "Inspect coordinator snapshots and the transition journal",
	SilenceUsage: true,
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List the most recent coordinator snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *state.Store) error {
			return runSnapshots(store, last, jsonOut)
		})
	},
}

var transitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "List the most recent state transitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *state.Store) error {
			return runTransitions(store, last, jsonOut)
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback <version-id>",
	Short: "Point the active snapshot at an earlier version",
	Long: `rollback repoints the active snapshot. The controller restores trust and
epoch counters from it on its next start; a running controller is unaffected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(store *state.Store) error {
			if err := store.Rollback(args[0]); err != nil {
				return err
			}
			fmt.Printf("active snapshot is now %s\n", args[0])
			return nil
		})
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", envOr("CONVOLOOP_DB", "convoloop.db"), "path to the controller database")
	for _, c := range []*cobra.Command{snapshotsCmd, transitionsCmd} {
		c.Flags().IntVar(&last, "last", 20, "show N most recent entries")
		c.Flags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	}
	rootCmd.AddCommand(snapshotsCmd, transitionsCmd, rollbackCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func withStore(fn func(*state.Store) error) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// #endregion main

// #region snapshots

type snapshotRow struct {
	VersionID string  `json:"version_id"`
	ParentID  string  `json:"parent_id,omitempty"`
	State     string  `json:"state"`
	Trust     float64 `json:"trust"`
	TrustMod  float64 `json:"trust_mod"`
	Epochs    int     `json:"classifier_epochs"`
	Steps     int     `json:"training_steps"`
	Reason    string  `json:"reason,omitempty"`
	CreatedAt string  `json:"created_at"`
	Active    bool    `json:"active"`
}

func runSnapshots(store *state.Store, last int, jsonOut bool) error {
	snaps, err := store.ListSnapshots(last)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Fprintln(os.Stderr, "no snapshots found")
		return nil
	}
	active := ""
	if cur, err := store.GetCurrent(); err == nil {
		active = cur.VersionID
	}

	// Store returns DESC, reverse for chronological
	rows := make([]snapshotRow, len(snaps))
	for i, s := range snaps {
		rows[len(snaps)-1-i] = snapshotRow{
			VersionID: s.VersionID,
			ParentID:  s.ParentID,
			State:     s.LoopState,
			Trust:     s.Trust,
			TrustMod:  s.TrustMod,
			Epochs:    s.ClassifierEpochs,
			Steps:     s.TrainingSteps,
			Reason:    s.Reason,
			CreatedAt: s.CreatedAt.Format("2006-01-02T15:04:05Z"),
			Active:    s.VersionID == active,
		}
	}

	if jsonOut {
		return printJSON(rows)
	}
	fmt.Printf("%-1s %-12s  %-9s  %6s  %5s  %6s  %7s  %-20s  %s\n",
		"", "Version", "State", "Trust", "Mod", "Epochs", "Steps", "Time", "Reason")
	for _, r := range rows {
		mark := ""
		if r.Active {
			mark = "*"
		}
		fmt.Printf("%-1s %-12s  %-9s  %6.3f  %5.2f  %6d  %7d  %-20s  %s\n",
			mark, shortID(r.VersionID), r.State, r.Trust, r.TrustMod, r.Epochs, r.Steps, r.CreatedAt, r.Reason)
	}
	return nil
}

// #endregion snapshots

// #region transitions

func runTransitions(store *state.Store, last int, jsonOut bool) error {
	journal, err := logging.NewJournal(store.DB())
	if err != nil {
		return err
	}
	entries, err := journal.List(last)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no transitions found")
		return nil
	}
	if jsonOut {
		return printJSON(entries)
	}
	fmt.Printf("%-20s  %-9s  %-9s  %-9s  %6s  %-12s  %s\n",
		"Time", "From", "To", "Trigger", "Trust", "Version", "Reason")
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Printf("%-20s  %-9s  %-9s  %-9s  %6.3f  %-12s  %s\n",
			e.CreatedAt.Format("2006-01-02T15:04:05Z"), e.FromState, e.ToState, e.Trigger, e.Trust,
			shortID(e.VersionID), e.Reason)
	}
	return nil
}

// #endregion transitions

// #region helpers

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// #endregion helpers
