// Package cli builds the broker's Cobra command tree: run starts the
// broker in-process, submit/status/cancel act as a thin gRPC client
// against a running instance.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	pb "github.com/provingbroker/broker/api/proto/v1"
	"github.com/provingbroker/broker/internal/broker"
	"github.com/provingbroker/broker/internal/config"
	"github.com/provingbroker/broker/internal/metrics"
	"github.com/provingbroker/broker/internal/server"
	"github.com/provingbroker/broker/internal/store"
	"github.com/provingbroker/broker/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	configFile string
	serverAddr string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "Proving job broker: distributes proof-generation jobs to a worker fleet",
		Long: `broker coordinates proof-generation jobs between a block-production
pipeline and a fleet of remote proving workers: priority dispatch across
proof classes, lease-based liveness tracking, bounded retries, and a
durable journal for crash recovery.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "", "broker gRPC address for client commands (default: server.addr from config)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildCancelCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the broker, its gRPC server, and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBroker()
		},
	}
}

func runBroker() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(cfg.Store.Dir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	compactCtx, cancelCompact := context.WithCancel(context.Background())
	defer cancelCompact()
	st.StartCompactor(compactCtx, cfg.Store.CompactInterval)

	var collector broker.Metrics
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				slog.Error("metrics server stopped", "error", err)
			}
		}()
	}

	b := broker.New(st, broker.Config{
		JobTimeout:    cfg.Broker.JobTimeout,
		SweepInterval: cfg.Broker.SweepInterval,
		MaxRetries:    cfg.Broker.MaxRetries,
	}, collector)

	if err := b.Start(context.Background()); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	defer b.Stop()

	lis, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}

	limiter := server.NewPerConnLimiter(cfg.Server.PerConnectionRPS, cfg.Server.PerConnectionBurst)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(limiter.UnaryInterceptor))
	pb.RegisterBrokerServiceServer(grpcServer, server.New(b))

	go func() {
		slog.Info("broker listening", "addr", cfg.Server.Addr)
		if err := grpcServer.Serve(lis); err != nil {
			slog.Error("gRPC server stopped", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	grpcServer.GracefulStop()
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var class string
	var epoch uint64
	var payloadFile string
	var id string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to a running broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(id, class, epoch, payloadFile)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "job id (default: a generated uuid)")
	cmd.Flags().StringVar(&class, "class", "", "proof class, e.g. PUBLIC_VM")
	cmd.Flags().Uint64Var(&epoch, "epoch", 0, "epoch number")
	cmd.Flags().StringVarP(&payloadFile, "payload", "f", "", "file containing the job payload bytes")
	cmd.MarkFlagRequired("class")

	return cmd
}

func submitJob(id, class string, epoch uint64, payloadFile string) error {
	if id == "" {
		id = uuid.NewString()
	}

	var payload []byte
	if payloadFile != "" {
		data, err := os.ReadFile(payloadFile)
		if err != nil {
			return fmt.Errorf("read payload: %w", err)
		}
		payload = data
	}

	conn, client, err := dialClient()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Enqueue(ctx, &pb.EnqueueRequest{
		Job: &pb.Job{
			Id:      id,
			Class:   pb.ProofClass(pb.ProofClass_value[class]),
			Epoch:   epoch,
			Payload: payload,
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	if resp.GetDuplicateConflict() {
		return fmt.Errorf("job %s already exists with different contents", id)
	}

	fmt.Println(id)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status and, if resolved, its outcome",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(args[0])
		},
	}
	return cmd
}

func showStatus(jobID string) error {
	conn, client, err := dialClient()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Status(ctx, &pb.StatusRequest{JobId: jobID})
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}

	fmt.Printf("status: %s\n", resp.GetStatus())
	if resp.GetOutcome() != nil && (resp.GetStatus() == pb.Status_RESOLVED || resp.GetStatus() == pb.Status_REJECTED) {
		o := resp.GetOutcome()
		if o.GetIsFailure() {
			fmt.Printf("reason: %s\n", o.GetReason())
		} else {
			out, _ := json.Marshal(types.Outcome{Value: o.GetValue()})
			fmt.Println(string(out))
		}
	}
	return nil
}

func buildCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or in-progress job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cancelJob(args[0])
		},
	}
	return cmd
}

func cancelJob(jobID string) error {
	conn, client, err := dialClient()
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := client.Cancel(ctx, &pb.CancelRequest{JobId: jobID}); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

func dialClient() (*grpc.ClientConn, pb.BrokerServiceClient, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		addr = cfg.Server.Addr
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, pb.NewBrokerServiceClient(conn), nil
}
