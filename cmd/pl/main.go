package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"permitline/internal/blob"
	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/ledger"
	"permitline/internal/migrate"
	"permitline/internal/repo"
	"permitline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Permitline CLI",
	Long: `Permitline manages fire protection permit lifecycles for a city permitting office.
- Permits: applications flow DRAFT -> SUBMITTED -> UNDER_REVIEW -> APPROVED ->
  INSPECTION_SCHEDULED -> INSPECTED -> CLOSEOUT_IN_PROGRESS -> CLOSED, with
  REJECTED and NEEDS_REVISION as review outcomes.
- Closeout: after an approved inspection, required documents are uploaded,
  signed by the required roles, verified, and the permit is closed with a
  one-time closure certificate.
- History: every mutation appends one audit entry; an optional Redis ledger
  mirrors the stream and reads flag any divergence.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PERMITLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("role", domain.RoleAdmin, "acting role")
	rootCmd.PersistentFlags().String("org", "", "acting organization id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(permitCmd())
	rootCmd.AddCommand(closeoutCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() domain.Identity {
	return domain.Identity{
		UserID: viper.GetString("actor-id"),
		Role:   viper.GetString("role"),
		OrgID:  viper.GetString("org"),
	}
}

func permitCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "permit",
		Short: "Manage permits",
		Long:  "Create permit applications, move them through review and inspection, record fee payments, and inspect the audit history.",
	}
	p.AddCommand(permitCreateCmd())
	p.AddCommand(permitListCmd())
	p.AddCommand(permitShowCmd())
	p.AddCommand(permitHistoryCmd())
	p.AddCommand(permitTransitionCmd())
	p.AddCommand(permitPayCmd())
	p.AddCommand(permitComplianceCmd())
	return p
}

func permitCreateCmd() *cobra.Command {
	var applicant domain.Applicant
	var project domain.ProjectDetails
	var submit bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a permit application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreatePermit(ctx, engine.CreatePermitOptions{
					Applicant: applicant,
					Project:   project,
					Submit:    submit,
					Actor:     actor(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&applicant.Name, "applicant", "", "applicant name")
	cmd.Flags().StringVar(&applicant.Organization, "applicant-org", "", "applicant organization")
	cmd.Flags().StringVar(&applicant.Contact, "contact", "", "applicant contact")
	cmd.Flags().StringVar(&project.Type, "type", "", "permit type (NFPA72_COMMERCIAL, NFPA72_RESIDENTIAL, NFPA13_SPRINKLER, NFPA25_INSPECTION)")
	cmd.Flags().StringVar(&project.Address, "address", "", "project address")
	cmd.Flags().StringVar(&project.Description, "description", "", "project description")
	cmd.Flags().Float64Var(&project.FloorArea, "floor-area", 0, "floor area")
	cmd.Flags().StringVar(&project.OccupancyType, "occupancy", "", "occupancy type")
	cmd.Flags().BoolVar(&submit, "submit", false, "submit immediately instead of leaving in DRAFT")
	_ = cmd.MarkFlagRequired("applicant")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func permitListCmd() *cobra.Command {
	var f repo.PermitFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List permits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				permits, err := e.ListPermits(ctx, actor(), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(permits)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Applicant", "Type", "Status", "Fee", "Payment"})
				for _, p := range permits {
					tw.AppendRow(table.Row{p.ID, p.Applicant.Name, p.ProjectDetails.Type, p.Status, p.Fee, p.PaymentStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ApplicantName, "applicant", "", "applicant name filter")
	cmd.Flags().StringVar(&f.CreatedFrom, "created-from", "", "created at or after (RFC 3339)")
	cmd.Flags().StringVar(&f.CreatedTo, "created-to", "", "created at or before (RFC 3339)")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max results")
	return cmd
}

func permitShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a permit with ledger reconciliation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				detail, err := e.GetPermit(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(detail)
			})
		},
	}
	return cmd
}

func permitHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show permit audit history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.GetHistory(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Action", "By"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.TS, h.Action, h.PerformedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func permitTransitionCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "transition <id>",
		Short: "Transition a permit to a new status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Transition(ctx, actor(), args[0], target)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target status")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func permitPayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pay <id>",
		Short: "Record fee payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RecordPayment(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func permitComplianceCmd() *cobra.Command {
	var status string
	var score float64
	var findings []string
	cmd := &cobra.Command{
		Use:   "compliance <id>",
		Short: "Attach compliance analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.AttachComplianceAnalysis(ctx, actor(), args[0], domain.ComplianceAnalysis{
					Status:   status,
					Score:    score,
					Findings: findings,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "compliance status")
	cmd.Flags().Float64Var(&score, "score", 0, "compliance score in [0,1]")
	cmd.Flags().StringArrayVar(&findings, "finding", []string{}, "finding (repeatable)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func closeoutCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "closeout",
		Short: "Manage permit closeout",
		Long:  "Closeout runs INITIATED -> DOCUMENTS_UPLOADED -> SIGNATURES_COMPLETE -> READY_FOR_CLOSURE -> CLOSED. Required document types come from the configured closeout profile.",
	}
	c.AddCommand(closeoutInitCmd())
	c.AddCommand(closeoutShowCmd())
	c.AddCommand(closeoutAttachDocCmd())
	c.AddCommand(closeoutSignCmd())
	c.AddCommand(closeoutVerifyDocCmd())
	c.AddCommand(closeoutEligibilityCmd())
	c.AddCommand(closeoutCloseCmd())
	return c
}

func closeoutInitCmd() *cobra.Command {
	var inspection domain.InspectionResult
	cmd := &cobra.Command{
		Use:   "init <permit-id>",
		Short: "Initiate closeout after an approved inspection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.InitiateCloseout(ctx, actor(), args[0], inspection)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().BoolVar(&inspection.Approved, "approved", false, "inspection approved")
	cmd.Flags().StringVar(&inspection.InspectorID, "inspector-id", "", "inspector identifier")
	cmd.Flags().StringVar(&inspection.Notes, "notes", "", "inspection notes")
	return cmd
}

func closeoutShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <permit-id>",
		Short: "Show closeout record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetCloseout(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func closeoutAttachDocCmd() *cobra.Command {
	var docType, name, contentType, file string
	cmd := &cobra.Command{
		Use:   "attach-doc <permit-id>",
		Short: "Attach a closeout document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = data
				if name == "" {
					name = filepath.Base(file)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.AttachDocument(ctx, actor(), args[0], engine.AttachDocumentOptions{
					Type:        docType,
					Name:        name,
					ContentType: contentType,
					Content:     content,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&docType, "type", "", "document type (must be in the required set)")
	cmd.Flags().StringVar(&name, "name", "", "document name (defaults to file name)")
	cmd.Flags().StringVar(&contentType, "content-type", "", "MIME content type")
	cmd.Flags().StringVar(&file, "file", "", "path to document content")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func closeoutSignCmd() *cobra.Command {
	var opts engine.AttachSignatureOptions
	cmd := &cobra.Command{
		Use:   "sign <permit-id>",
		Short: "Attach a signature to a closeout document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sig, err := e.AttachSignature(ctx, actor(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(sig)
			})
		},
	}
	cmd.Flags().StringVar(&opts.DocumentID, "document", "", "document id")
	cmd.Flags().StringVar(&opts.SignerRole, "signer-role", "", "signer role (INSPECTOR, ENGINEER, CONTRACTOR, APPLICANT)")
	cmd.Flags().StringVar(&opts.SignerIdentity, "signer", "", "signer identity")
	cmd.Flags().BoolVar(&opts.Verified, "verified", false, "mark the signature as verified")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("signer-role")
	_ = cmd.MarkFlagRequired("signer")
	return cmd
}

func closeoutVerifyDocCmd() *cobra.Command {
	var verdict string
	cmd := &cobra.Command{
		Use:   "verify-doc <permit-id> <document-id>",
		Short: "Verify or reject a closeout document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				doc, err := e.VerifyDocument(ctx, actor(), args[0], args[1], verdict)
				if err != nil {
					return err
				}
				return printJSONOrTable(doc)
			})
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", domain.DocVerified, "VERIFIED or REJECTED")
	return cmd
}

func closeoutEligibilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "eligibility <permit-id>",
		Short: "Evaluate closure eligibility",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.GetPermit(ctx, actor(), args[0]); err != nil {
					return err
				}
				elig, err := e.EvaluateClosureEligibility(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(elig)
			})
		},
	}
	return cmd
}

func closeoutCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <permit-id>",
		Short: "Close an eligible permit and issue the certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.ClosePermit(ctx, actor(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	a.AddCommand(apikeyCreateCmd())
	a.AddCommand(apikeyListCmd())
	a.AddCommand(apikeyDeleteCmd())
	return a
}

func apikeyCreateCmd() *cobra.Command {
	var key domain.APIKey
	var plaintext string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(key.Role) {
				return fmt.Errorf("unknown role %q", key.Role)
			}
			if plaintext == "" {
				return fmt.Errorf("--key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key.ID = uuid.New().String()
				key.KeyHash = repo.HashAPIKey(plaintext)
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				stored, err := r.GetAPIKeyByHash(ctx, key.KeyHash)
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&key.UserID, "user", "", "user id the key acts as")
	cmd.Flags().StringVar(&key.Role, "role", "", "role the key carries")
	cmd.Flags().StringVar(&key.OrgID, "org", "", "organization id")
	cmd.Flags().StringVar(&key.Name, "name", "", "key label")
	cmd.Flags().StringVar(&plaintext, "key", "", "plaintext key to hash and store")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Role", "Org", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.UserID, k.Role, k.OrgID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect permitline.yml",
		Long:  "Config selects the closeout profile (which document types a closeout requires), the required signer roles, the ledger mirror, and the blob backend.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default permitline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("PERMITLINE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("PERMITLINE_JWT_SECRET is required for bearer auth")
			}
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			return withEngineLogged(cmd.Context(), log, func(ctx context.Context, e engine.Engine) error {
				handler, err := server.New(server.Config{
					Engine:   e,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret, Logger: log},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving permitline api")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withEngineLogged(ctx, zerolog.Nop(), fn)
}

func withEngineLogged(ctx context.Context, log zerolog.Logger, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Log = log

	store, err := openBlobStore(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	e.Blobs = store

	if cfg.Ledger.RedisURL != "" {
		mirror, err := ledger.NewRedisMirror(cfg.Ledger.RedisURL)
		if err != nil {
			return err
		}
		defer mirror.Close()
		writer := &ledger.Writer{
			Mirror:   mirror,
			Attempts: cfg.Ledger.Attempts,
			Backoff:  time.Duration(cfg.Ledger.BackoffMillis) * time.Millisecond,
			Timeout:  time.Duration(cfg.Ledger.TimeoutSeconds) * time.Second,
			Log:      log,
		}
		defer writer.Wait()
		e.Ledger = writer
		writer.OnFailure = e.LedgerFailureHook()
	}
	return fn(ctx, e)
}

func openBlobStore(ctx context.Context, workspace string, cfg *config.Config) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "s3":
		return blob.NewS3Store(ctx, blob.S3Config{
			Endpoint:  cfg.Blob.Endpoint,
			Bucket:    cfg.Blob.Bucket,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			UseSSL:    cfg.Blob.UseSSL,
		})
	default:
		dir := cfg.Blob.Dir
		if dir == "" {
			dir = filepath.Join(workspace, ".permitline", "blobs")
		}
		return blob.NewFSStore(dir)
	}
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
