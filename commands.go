package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/choraleia/chatcore/pkg/config"
	"github.com/choraleia/chatcore/pkg/db"
	"github.com/choraleia/chatcore/pkg/embedding"
	"github.com/choraleia/chatcore/pkg/gateway"
	"github.com/choraleia/chatcore/pkg/handler"
	"github.com/choraleia/chatcore/pkg/retrieval"
	"github.com/choraleia/chatcore/pkg/service"
	"github.com/cloudwego/eino/schema"
	"github.com/spf13/cobra"
)

func rootCMD() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:          "chatcore",
		Short:        "Conversational core with retrieval and live streaming",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfgPath != "" {
				os.Setenv("CHATCORE_CONFIG", cfgPath)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default ~/.chatcore/config.yaml)")

	root.AddCommand(serveCMD(), configCMD(), askCMD(), ingestCMD(), quotaCMD())
	return root
}

func serveCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, cfgFile, err := config.Load()
	if err != nil {
		return err
	}
	logger := initLogging(cfg)
	logger.Info("Configuration loaded", "file", cfgFile)

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize", "error", err)
		return err
	}
	defer app.Close()
	app.Run(ctx)

	server := NewServer(app)
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start server", "error", err)
		return err
	}
	logger.Info("Server listening", "addr", server.Addr())

	<-server.Stopped()
	logger.Info("Server stopped")
	return nil
}

func configCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file if none exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.EnsureDefaultConfig()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return cmd
}

func askCMD() *cobra.Command {
	var system string
	var noStream bool
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the configured providers one question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load()
			if err != nil {
				return err
			}
			logger := initLogging(cfg)
			ctx := cmd.Context()

			delayMin, delayMax := cfg.SimulationDelay()
			gw := gateway.New(gateway.NewProviders(ctx, cfg.Providers, logger), gateway.Options{
				Timeout:            cfg.GatewayTimeout(),
				FallbackDepth:      cfg.FallbackDepth(),
				SimulationDelayMin: delayMin,
				SimulationDelayMax: delayMax,
			}, logger, nil)

			messages := []*schema.Message{
				schema.SystemMessage(system),
				schema.UserMessage(strings.Join(args, " ")),
			}
			out := cmd.OutOrStdout()
			opts := gateway.GenerateOptions{
				OnAttempt: func(provider string) {
					fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", provider)
				},
			}

			var resp *gateway.Response
			if noStream {
				resp = gw.Generate(ctx, messages, opts)
				fmt.Fprint(out, resp.Content)
			} else {
				resp = gw.GenerateStream(ctx, messages, opts, func(delta string) {
					fmt.Fprint(out, delta)
				})
			}
			fmt.Fprintln(out)
			fmt.Fprintf(cmd.ErrOrStderr(), "provider=%s tokens=%d\n", resp.Provider, resp.Usage.TotalTokens)
			return nil
		},
	}
	cmd.Flags().StringVar(&system, "system", db.DefaultSystemPrompt, "system prompt")
	cmd.Flags().BoolVar(&noStream, "no-stream", false, "print the answer once it is complete")
	return cmd
}

func ingestCMD() *cobra.Command {
	var documentID, userID string
	var indexPath string
	var chunkSize, chunkOverlap int
	cmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "Chunk a text file into the persistent chromem index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load()
			if err != nil {
				return err
			}
			logger := initLogging(cfg)
			ctx := cmd.Context()

			text, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// For the memory backend retrieval.path is a snapshot file, not a directory.
			if indexPath == "" && cfg.RetrievalBackend() == "chromem" {
				indexPath = cfg.Retrieval.Path
			}
			if indexPath == "" {
				dir, _, err := config.DefaultPaths()
				if err != nil {
					return err
				}
				indexPath = filepath.Join(dir, "index")
			}
			if documentID == "" {
				documentID = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}

			gw := gateway.New(gateway.NewProviders(ctx, cfg.Providers, logger), gateway.Options{}, logger, nil)
			estimator := embedding.New(newEmbeddingBackend(ctx, cfg, gw, logger), cfg.Dimension(), logger)
			index, err := retrieval.NewChromemIndex(indexPath, estimator.Func())
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			documents := service.NewDocumentService(database, retrieval.NewEngine(index, estimator, logger), retrieval.ChunkOptions{}, logger)

			result, err := documents.Ingest(ctx, service.IngestRequest{
				DocumentID:   documentID,
				UserID:       userID,
				Name:         filepath.Base(args[0]),
				Text:         string(text),
				ChunkSize:    chunkSize,
				ChunkOverlap: chunkOverlap,
			})
			if errors.Is(err, service.ErrEmptyDocument) {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d fragments indexed, %d replaced (%s, embeddings: %s)\n",
				result.DocumentID, result.Fragments, result.Replaced, indexPath, estimator.Mode())
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "id", "", "document id (default: file name without extension)")
	cmd.Flags().StringVar(&userID, "user", handler.LocalUser, "user who owns the document")
	cmd.Flags().StringVar(&indexPath, "index", "", "chromem index directory (default: retrieval.path or ~/.chatcore/index)")
	cmd.Flags().IntVar(&chunkSize, "chunk-size", retrieval.DefaultChunkSize, "fragment size in characters")
	cmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", retrieval.DefaultChunkOverlap, "overlap between fragments in characters")
	return cmd
}

func quotaCMD() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and change token quotas",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <user>",
		Short: "Print a user's token usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quota, err := openQuota()
			if err != nil {
				return err
			}
			usage, err := quota.Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %d tokens used, %d remaining\n", args[0], usage.Used, usage.Limit, usage.Remaining)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "set <user> <limit>",
		Short: "Change a user's token limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid limit %q", args[1])
			}
			quota, err := openQuota()
			if err != nil {
				return err
			}
			if err := quota.SetLimit(cmd.Context(), args[0], limit); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: limit set to %d tokens\n", args[0], limit)
			return nil
		},
	})
	return cmd
}

func openQuota() (*service.QuotaService, error) {
	cfg, _, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := initLogging(cfg)
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	return service.NewQuotaService(database, cfg.QuotaLimit(), logger), nil
}
