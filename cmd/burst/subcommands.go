package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	core "github.com/3cpo-dev/burst/internal/core"
	"github.com/3cpo-dev/burst/internal/telemetry"
	"github.com/3cpo-dev/burst/pkg/api"
	"github.com/3cpo-dev/burst/pkg/burst"
	gssh "github.com/3cpo-dev/burst/pkg/ssh"
)

func loadConfig(cmd *cobra.Command) (core.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	return core.LoadConfig(cfgPath)
}

func keyPath(cfg core.Config) string {
	return filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
}

func openStore(cfg core.Config) (*core.Store, error) {
	store, err := core.NewStore(cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", cfg.Ledger.Path, err)
	}
	return store, nil
}

// Initialize configuration, key pair and known_hosts
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "burst initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = filepath.Join(core.ConfigDir(), "config.yaml")
			}
			if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
				if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
					return err
				}
				if err := os.WriteFile(cfgPath, []byte(core.DefaultConfigYAML), 0600); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote default config to %s\n", cfgPath)
			} else if err != nil {
				return err
			} else {
				fmt.Fprintf(out, "config %s already exists\n", cfgPath)
			}

			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(keyPath(cfg)); errors.Is(err, os.ErrNotExist) {
				if err := os.MkdirAll(cfg.SSH.KeyDir, 0700); err != nil {
					return err
				}
				pub, err := gssh.GenerateEd25519Keypair(keyPath(cfg))
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "generated %s\n%s\n", keyPath(cfg), strings.TrimSpace(pub))
			} else if err != nil {
				return err
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			return store.Close()
		},
	}
}

// Provision a fleet, run its workload and tear it down
func newUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Provision a fleet, run its workload and tear everything down",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			providerName, _ := cmd.Flags().GetString("provider")
			metricsListen, _ := cmd.Flags().GetString("metrics-listen")
			downloadDir, _ := cmd.Flags().GetString("downloads")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fleetFile, err := api.LoadFleet(file)
			if err != nil {
				return err
			}
			spec, err := core.BuildSpec(fleetFile)
			if err != nil {
				return err
			}
			if providerName == "" {
				providerName = fleetFile.Provider
			}
			if providerName == "" {
				providerName = cfg.Providers.Default
			}
			if fleetFile.Policy != "" {
				cfg.Orchestration.Policy = fleetFile.Policy
			}
			bc, err := cfg.OrchestratorConfig()
			if err != nil {
				return err
			}

			signer, err := gssh.LoadPrivateKeySigner(keyPath(cfg))
			if err != nil {
				return fmt.Errorf("%w (run `burst init` first)", err)
			}
			pub := strings.TrimSpace(string(gssh.MarshalAuthorized(signer)))

			ctx, stop := notifyInterrupt(cmd.Context())
			defer stop()

			reg, regErr := core.NewRegistry(ctx, cfg, pub)
			client, err := reg.Get(providerName)
			if err != nil {
				return errors.Join(err, regErr)
			}
			if regErr != nil {
				log.Warn().Err(regErr).Msg("Some providers are misconfigured")
			}

			hostKeys, err := gssh.TrustOnFirstUse(cfg.SSH.KnownHosts)
			if err != nil {
				return err
			}
			connector := &gssh.Connector{
				User:     cfg.SSH.User,
				Signer:   signer,
				HostKeys: hostKeys,
				Port:     cfg.SSH.Port,
				Timeout:  cfg.SSH.Timeout,
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			promReg := prometheus.NewRegistry()
			collector := telemetry.NewCollector(promReg)
			if metricsListen == "" {
				metricsListen = cfg.Telemetry.MetricsListen
			}
			if metricsListen != "" {
				ms := telemetry.NewMonitoringServer(metricsListen, promReg)
				for name, fn := range telemetry.DefaultHealthChecks() {
					ms.RegisterHealthCheck(name, fn)
				}
				ms.RegisterHealthCheck("resources", telemetry.OutstandingCheck(collector))
				if _, err := ms.Start(); err != nil {
					return err
				}
				defer func() {
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = ms.Shutdown(sctx)
				}()
			}

			bc.UserData = core.UserData(providerName, cfg.SSH.User, pub, spec.MaxDuration())
			bc.Tags = fleetFile.Tags
			bc.Recorder = burst.Recorders(store, collector)

			workload := &core.Steps{File: fleetFile, Out: cmd.OutOrStdout(), DownloadDir: downloadDir}
			res, err := burst.NewOrchestrator(bc, client, connector).Run(ctx, spec, workload)
			printResult(cmd.OutOrStdout(), res)
			return err
		},
	}
	cmd.Flags().StringP("file", "f", "fleet.yaml", "fleet file")
	cmd.Flags().String("provider", "", "provider name (overrides the fleet file)")
	cmd.Flags().String("metrics-listen", "", "serve /metrics and /health on this address while the run lasts")
	cmd.Flags().String("downloads", "", "directory for step downloads (defaults to the fleet file's directory)")
	return cmd
}

func printResult(w io.Writer, res *burst.Result) {
	if res == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s: %s\n", res.RunID, res.Outcome)
	fmt.Fprintln(tw, "GROUP\tREQUESTED\tRUNNING\tREADY\tFAILED\tSHORTFALL")
	for _, name := range sortedKeys(res.Groups) {
		g := res.Groups[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", name, g.Requested, g.Running, g.Ready, g.Failed, g.Shortfall)
	}
	fmt.Fprintf(tw, "teardown: %d requests cancelled, %d instances terminated in %s\n",
		len(res.Teardown.RequestsCancelled), len(res.Teardown.InstancesTerminated), res.Teardown.Duration.Round(time.Millisecond))
	_ = tw.Flush()
}

func sortedKeys(m map[string]burst.GroupReport) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// List ledger resources never released
func newLeaksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leaks",
		Short: "List provider resources the ledger has never seen released",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			leaks, err := store.Leaks(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if len(leaks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no leaked resources")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tPROVIDER\tFLEET\tGROUP\tKIND\tID\tCREATED")
			for _, r := range leaks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.RunID, r.Provider, r.Fleet, r.Group, r.Kind, r.ID, r.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("run", "", "only this run")
	return cmd
}

// Release leaked resources
func newReapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Cancel and terminate leaked resources through their providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, _ := cmd.Flags().GetString("run")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			var pub string
			if signer, err := gssh.LoadPrivateKeySigner(keyPath(cfg)); err == nil {
				pub = strings.TrimSpace(string(gssh.MarshalAuthorized(signer)))
			}
			reg, regErr := core.NewRegistry(cmd.Context(), cfg, pub)
			if regErr != nil {
				log.Warn().Err(regErr).Msg("Some providers are misconfigured")
			}
			n, err := core.Reap(cmd.Context(), store, reg, runID)
			fmt.Fprintf(cmd.OutOrStdout(), "released %d resources\n", n)
			return err
		},
	}
	cmd.Flags().String("run", "", "only this run")
	return cmd
}

// List recent runs
func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent fleet runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tFLEET\tPROVIDER\tNODES\tSTARTED\tOUTCOME\tERROR")
			for _, r := range runs {
				outcome := r.Outcome
				if r.FinishedAt.IsZero() {
					outcome = "unfinished"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", r.ID, r.Fleet, r.Provider, r.Nodes, r.StartedAt.Format(time.RFC3339), outcome, firstLine(r.Error))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().Int("limit", 20, "number of runs to show")
	return cmd
}

// Inspect configured providers
func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Inspect configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reg, regErr := core.NewRegistry(cmd.Context(), cfg, "")
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "default: %s\n", cfg.Providers.Default)
			for _, name := range reg.Names() {
				fmt.Fprintf(out, "registered: %s\n", name)
			}
			if regErr != nil {
				fmt.Fprintf(out, "misconfigured: %v\n", regErr)
			}
			return nil
		},
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
