package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/classnet/classnet/internal/api/rest"
	"github.com/classnet/classnet/internal/config"
	"github.com/classnet/classnet/internal/exchange"
	"github.com/classnet/classnet/internal/heartbeat"
	"github.com/classnet/classnet/internal/logging"
	"github.com/classnet/classnet/internal/node"
	"github.com/classnet/classnet/internal/routing"
)

var (
	cfgFile     string
	roleName    string
	name        string
	port        int
	teacherName string
	teacherPort int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "classnet",
		Short: "Classnet — classroom messaging and liveness over a shared exchange store",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a classnet participant",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&roleName, "role", "r", "student", "Participant role: 'teacher' | 'student'")
	startCmd.Flags().StringVarP(&name, "name", "n", "", "Participant name (required)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Participant port identity (required)")
	startCmd.Flags().StringVar(&teacherName, "teacher-name", "", "Teacher's name (students only)")
	startCmd.Flags().IntVar(&teacherPort, "teacher-port", 0, "Teacher's port identity (students only)")
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	_ = startCmd.MarkFlagRequired("name")
	_ = startCmd.MarkFlagRequired("port")
	rootCmd.AddCommand(startCmd)

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Observe liveness and routing on the shared store",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.AddCommand(monitorCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger, err := logging.New(cfg.Log.Development, logging.FileConfig{
		Path:       cfg.Log.FilePath,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	var role node.Role
	switch roleName {
	case "teacher":
		role = node.RoleTeacher
	case "student":
		role = node.RoleStudent
	default:
		return fmt.Errorf("unknown role: %s (use 'teacher' or 'student')", roleName)
	}

	self := exchange.ParticipantID{Name: name, Port: port}
	teacherID := exchange.ParticipantID{Name: teacherName, Port: teacherPort}
	if role == node.RoleStudent && teacherID.Port == 0 {
		return fmt.Errorf("students must name the teacher (--teacher-name, --teacher-port)")
	}

	events := logging.NewBufferedSink(256, logging.ZapSink{Logger: logger.Named("events")})
	defer events.Close()

	p, err := node.NewParticipant(cfg, role, self, teacherID, node.Callbacks{}, logger, events)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.API.Enabled {
		addr := cfg.API.Addr
		if addr == "" {
			addr = fmt.Sprintf(":%d", 8080+port%1000)
		}
		api := rest.New(p, logger)
		go func() {
			if err := api.Start(addr); err != nil {
				logger.Error("REST API stopped", zap.Error(err))
			}
		}()
	}

	return p.Run(ctx)
}

// runMonitor polls the shared store directly and prints a liveness and
// routing summary. It is a pure observer and writes nothing but the
// startup cleanup of transient records.
func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger := zap.NewNop()
	store, err := exchange.NewFileStore(cfg.Store.RootPath, logger)
	if err != nil {
		return fmt.Errorf("exchange store: %w", err)
	}
	if err := store.RemoveTransient(); err != nil {
		return fmt.Errorf("startup cleanup: %w", err)
	}

	self := exchange.ParticipantID{Name: "monitor", Port: -1}
	monitor := heartbeat.NewMonitor(self, cfg.Timing.SuspectTimeout, cfg.Timing.DeadTimeout,
		nil, logger, logging.NopSink{})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(cfg.Timing.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			presence, err := store.ListPresence()
			if err != nil {
				fmt.Fprintf(os.Stderr, "presence read: %v\n", err)
				continue
			}
			monitor.Observe(presence, now)
			monitor.Sweep(now)

			vectors, err := store.ListVectors()
			if err != nil {
				fmt.Fprintf(os.Stderr, "vector read: %v\n", err)
				continue
			}

			printSummary(monitor.Snapshot(), vectors, now)
		}
	}
}

func printSummary(peers []heartbeat.PeerStatus, vectors []exchange.VectorRecord, now time.Time) {
	fmt.Printf("\n=== classnet %s ===\n", now.Format(time.TimeOnly))

	fmt.Println("participants:")
	for _, peer := range peers {
		fmt.Printf("  %-24s %-10s last seen %s ago\n",
			peer.Participant.String(), peer.State, now.Sub(peer.LastSeen).Round(time.Second))
	}
	if len(peers) == 0 {
		fmt.Println("  (none)")
	}

	sort.Slice(vectors, func(i, j int) bool {
		return vectors[i].Origin.String() < vectors[j].Origin.String()
	})
	fmt.Println("routes:")
	for _, vec := range vectors {
		for _, entry := range vec.Entries {
			metric := fmt.Sprintf("%d", entry.Metric)
			if entry.Metric >= routing.InfinityMetric {
				metric = "inf"
			}
			fmt.Printf("  %-24s -> %-24s via %-24s metric %s\n",
				vec.Origin.String(), entry.Destination, entry.NextHop, metric)
		}
	}
	if len(vectors) == 0 {
		fmt.Println("  (none)")
	}
}
