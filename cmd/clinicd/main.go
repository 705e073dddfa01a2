// clinicd is the offline clinical data CLI: key-gated encrypted document
// storage, encounter sessions, and schema-driven clinical forms.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"clinicd/internal/config"
	"clinicd/internal/form"
	"clinicd/internal/keymanager"
	"clinicd/internal/logging"
	"clinicd/internal/schema"
	"clinicd/internal/security"
	"clinicd/internal/session"
	"clinicd/internal/store"
)

var (
	configPath = flag.String("config", "", "path to config file")
	actor      = flag.String("actor", "", "operator identifier recorded in the audit trail")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch cmd {
	case "init":
		err = cmdInit()
	case "unlock":
		err = cmdUnlock()
	case "status":
		err = cmdStatus()
	case "rotate":
		err = cmdRotate()
	case "verify":
		err = cmdVerify()
	case "session":
		err = cmdSession(args)
	case "form":
		err = cmdForm(args)
	case "degraded":
		err = cmdDegraded(args)
	case "schemas":
		err = cmdSchemas()
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `clinicd - Offline clinical data store

Usage: clinicd [options] <command> [args]

Commands:
  init                                   Create the data directory and default config
  unlock                                 Derive the key from the unlock secret and report it
  status                                 Show key, store, and degraded-mode status
  rotate                                 Rotate the encryption key and migrate documents
  verify                                 Verify every stored document decrypts cleanly
  session new [patient-ref]              Open a new encounter session
  session show <id>                      Print a session
  session list                           List sessions
  session advance <id> <stage>           Move a session to the next stage
  session complete <id> <outcome>        Close a session (completed|referred|cancelled)
  session link <id> <form-id>            Link a form instance to a session
  session triage <id> <level>            Set the triage level (red|yellow|green|unknown)
  form new <schema-id> [session-id]      Create a form instance
  form show <id>                         Print a form instance
  form set <id> <field> <json-value>     Save a field value
  form transition <id> <state>           Move a form to a workflow state
  degraded enter <reason>                Enter degraded mode (recovery operations only)
  degraded note <text>                   Capture an urgent unencrypted note while degraded
  degraded exit                          Re-encrypt degraded documents and resume
  schemas                                List registered form schemas
  help                                   Show this help message

Options:
  -config <path>  Path to config file (default: <data-dir>/config.toml)
  -actor <name>   Operator identifier for the audit trail

The unlock secret is read from the CLINICD_SECRET environment variable,
or from stdin when unset.`)
}

func loadConfig() (*config.Config, error) {
	path := *configPath
	if path == "" {
		path = filepath.Join(config.DataDir(), "config.toml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Default()
		cfg.ApplyEnvOverrides()
		return cfg, nil
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// app wires the store, key manager, and engines for one CLI invocation.
type app struct {
	cfg      *config.Config
	log      *logging.Logger
	audit    *logging.AuditLogger
	store    *store.Store
	keys     *keymanager.Manager
	registry *schema.Registry
	sessions *session.Engine
	forms    *form.Engine
	lock     *security.ProcessLock
}

// openApp opens the store and derives the session key from the unlock
// secret. A persisted degraded marker re-enters degraded mode so the
// gating survives process restarts.
func openApp(ctx context.Context, needKey bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logging.New(&logging.Config{
		Level:     logging.ParseLevel(cfg.Logging.Level),
		Format:    logging.ParseFormat(cfg.Logging.Format),
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		Component: "clinicd",
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	if err := security.EnsureSecureDir(filepath.Dir(cfg.Storage.Path)); err != nil {
		return nil, err
	}
	lock, err := security.AcquireProcessLock(filepath.Dir(cfg.Storage.Path))
	if err != nil {
		return nil, err
	}

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   cfg.Audit.FilePath,
		MaxSize:    cfg.Audit.MaxSizeMB,
		MaxAge:     cfg.Audit.MaxAgeDays,
		MaxBackups: cfg.Audit.MaxBackups,
	})
	if err != nil {
		lock.Release()
		return nil, fmt.Errorf("init audit trail: %w", err)
	}
	if *actor != "" {
		audit.SetActor(*actor)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		lock.Release()
		return nil, err
	}

	keys := keymanager.New(st, keymanager.Options{
		MinSecretLength: cfg.Keys.MinSecretLength,
		MaxKeyAge:       cfg.Keys.MaxKeyAge(),
		Audit:           audit,
	})

	a := &app{
		cfg:   cfg,
		log:   log,
		audit: audit,
		store: st,
		keys:  keys,
		lock:  lock,
	}

	if reason, degraded := readDegradedMarker(cfg); degraded {
		keys.EnterDegradedMode(ctx, reason)
		log.Warn("degraded mode active", "reason", reason)
	}

	if needKey {
		secret, err := readSecret()
		if err != nil {
			a.close()
			return nil, err
		}
		defer security.Wipe(secret)

		deriveCtx := ctx
		if d := cfg.Keys.DeriveTimeout(); d > 0 {
			var cancel context.CancelFunc
			deriveCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		keyID, err := keys.InitializeFromSecret(deriveCtx, secret)
		if err != nil {
			a.close()
			return nil, err
		}
		log.Debug("key derived", "key_id", keyID)
	}

	a.registry, err = schema.NewRegistry()
	if err != nil {
		a.close()
		return nil, err
	}
	if _, err := os.Stat(cfg.Schemas.Dir); err == nil {
		if err := a.registry.LoadDir(cfg.Schemas.Dir); err != nil {
			a.close()
			return nil, err
		}
	}

	a.sessions = session.NewEngine(st, keys, session.Options{Audit: audit})
	a.forms = form.NewEngine(st, keys, a.registry, form.Options{Audit: audit})
	return a, nil
}

func (a *app) close() {
	if a.keys != nil {
		a.keys.Clear()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
	if a.lock != nil {
		a.lock.Release()
	}
}

// readSecret takes the unlock secret from CLINICD_SECRET, or reads one
// line from stdin.
func readSecret() ([]byte, error) {
	if s := os.Getenv("CLINICD_SECRET"); s != "" {
		return []byte(s), nil
	}
	if isTerminal(os.Stdin) {
		fmt.Fprint(os.Stderr, "Unlock secret: ")
	}
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimRight(line, "\r\n")
	if secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return []byte(secret), nil
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

func degradedMarkerPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Storage.Path), "degraded")
}

func readDegradedMarker(cfg *config.Config) (string, bool) {
	data, err := security.ReadSecretFile(degradedMarkerPath(cfg))
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(data)), true
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdInit() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dataDir := filepath.Dir(cfg.Storage.Path)
	if err := security.EnsureSecureDir(dataDir); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Schemas.Dir, 0o755); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		path = filepath.Join(config.DataDir(), "config.toml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Printf("Wrote config: %s\n", path)
	}

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Printf("Database: %s\n", cfg.Storage.Path)
	fmt.Printf("Schemas: %s\n", cfg.Schemas.Dir)
	return nil
}

func cmdUnlock() error {
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	status := a.keys.Status()
	fmt.Printf("Key:     %s\n", status.KeyID)
	fmt.Printf("Device:  %s\n", status.DeviceID)
	fmt.Printf("Expires: %s\n", status.ExpiresAt.Format("2006-01-02 15:04:05"))
	if version, err := a.store.ActiveKeyVersion(ctx); err == nil && version != nil {
		fmt.Printf("Version: %d\n", version.Version)
	}
	return nil
}

func cmdStatus() error {
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	status := a.keys.Status()
	stats, err := a.store.GetStats(ctx)
	if err != nil {
		return err
	}
	active, err := a.store.ActiveKeyVersion(ctx)
	if err != nil {
		return err
	}

	fmt.Println("=== clinicd Status ===")
	fmt.Println()
	fmt.Printf("Key:            %s\n", status.KeyID)
	fmt.Printf("Device:         %s\n", status.DeviceID)
	fmt.Printf("Derived:        %s\n", status.DerivedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expires:        %s\n", status.ExpiresAt.Format("2006-01-02 15:04:05"))
	if status.Expired {
		fmt.Println("Expired:        YES (rotate or re-derive)")
	}
	if active != nil {
		fmt.Printf("Key version:    %d\n", active.Version)
	}
	if status.Degraded {
		fmt.Printf("Degraded:       YES (%s)\n", status.Reason)
	} else {
		fmt.Println("Degraded:       no")
	}
	fmt.Println()
	fmt.Printf("Documents:      %d\n", stats.DocumentCount)
	fmt.Printf("Degraded docs:  %d\n", stats.DegradedCount)
	fmt.Printf("Corrupted docs: %d\n", stats.CorruptedCount)
	return nil
}

func cmdRotate() error {
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	oldKey, oldKeyID, err := a.keys.RequireKey(keymanager.OpRotate)
	if err != nil {
		return err
	}
	oldKeyCopy := make([]byte, len(oldKey))
	copy(oldKeyCopy, oldKey)
	defer security.Wipe(oldKeyCopy)

	_, newKeyID, err := a.keys.RotateKey(ctx, *actor)
	if err != nil {
		return err
	}
	newKey, _, err := a.keys.RequireKey(keymanager.OpRotate)
	if err != nil {
		return err
	}

	migrateCtx := ctx
	if d := a.cfg.Storage.MigrateTimeout(); d > 0 {
		var cancel context.CancelFunc
		migrateCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	report, err := a.store.RotateAndMigrate(migrateCtx, oldKeyCopy, oldKeyID, newKey, newKeyID)
	if err != nil {
		return err
	}

	fmt.Printf("Rotated %s -> %s\n", oldKeyID, newKeyID)
	fmt.Printf("Migrated: %d  Skipped: %d  Failed: %d\n", report.Migrated, report.Skipped, report.Failed)
	if report.Failed > 0 {
		fmt.Println("Failed documents are recorded in the corruption log; re-run rotate to retry.")
	}
	return nil
}

func cmdVerify() error {
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	key, keyID, err := a.keys.RequireKey(keymanager.OpRead)
	if err != nil {
		return err
	}
	report, err := a.store.VerifyAll(ctx, key, keyID, 0)
	if err != nil {
		return err
	}

	fmt.Printf("Verified: %d  Failed: %d  Degraded: %d\n", report.Verified, report.Failed, report.Degraded)
	for _, id := range report.FailedIDs {
		fmt.Printf("  FAILED %s\n", id)
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d document(s) failed verification", report.Failed)
	}
	return nil
}

func cmdSession(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clinicd session <new|show|list|advance|complete|link|triage> ...")
	}
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	switch args[0] {
	case "new":
		patientRef := ""
		if len(args) > 1 {
			patientRef = args[1]
		}
		s, err := a.sessions.CreateSession(ctx, patientRef, nil)
		if err != nil {
			return err
		}
		return printJSON(s)

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: clinicd session show <id>")
		}
		s, err := a.sessions.LoadSession(ctx, args[1])
		if err != nil {
			return err
		}
		if s == nil {
			return fmt.Errorf("session %s not found", args[1])
		}
		return printJSON(s)

	case "list":
		sessions, err := a.sessions.ListSessions(ctx)
		if err != nil {
			return err
		}
		return printJSON(sessions)

	case "advance":
		if len(args) < 3 {
			return fmt.Errorf("usage: clinicd session advance <id> <stage>")
		}
		s, err := a.sessions.AdvanceStage(ctx, args[1], session.Stage(args[2]))
		if err != nil {
			return err
		}
		return printJSON(s)

	case "triage":
		if len(args) < 3 {
			return fmt.Errorf("usage: clinicd session triage <id> <red|yellow|green|unknown>")
		}
		level := session.Triage(args[2])
		s, err := a.sessions.UpdateSession(ctx, args[1], session.Update{Triage: &level})
		if err != nil {
			return err
		}
		return printJSON(s)

	case "complete":
		if len(args) < 3 {
			return fmt.Errorf("usage: clinicd session complete <id> <completed|referred|cancelled>")
		}
		s, err := a.sessions.CompleteSession(ctx, args[1], session.Status(args[2]))
		if err != nil {
			return err
		}
		return printJSON(s)

	case "link":
		if len(args) < 3 {
			return fmt.Errorf("usage: clinicd session link <id> <form-id>")
		}
		s, err := a.sessions.LinkFormToSession(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		return printJSON(s)

	default:
		return fmt.Errorf("unknown session command: %s", args[0])
	}
}

func cmdForm(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clinicd form <new|show|set|transition> ...")
	}
	ctx := context.Background()
	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	switch args[0] {
	case "new":
		if len(args) < 2 {
			return fmt.Errorf("usage: clinicd form new <schema-id> [session-id]")
		}
		sessionID := ""
		if len(args) > 2 {
			sessionID = args[2]
		}
		inst, err := a.forms.CreateInstance(ctx, args[1], sessionID)
		if err != nil {
			return err
		}
		if sessionID != "" {
			if _, err := a.sessions.LinkFormToSession(ctx, sessionID, inst.ID); err != nil {
				return err
			}
		}
		return printJSON(inst)

	case "show":
		if len(args) < 2 {
			return fmt.Errorf("usage: clinicd form show <id>")
		}
		inst, err := a.forms.GetInstance(ctx, args[1])
		if err != nil {
			return err
		}
		if inst == nil {
			return fmt.Errorf("form %s not found", args[1])
		}
		return printJSON(inst)

	case "set":
		if len(args) < 4 {
			return fmt.Errorf("usage: clinicd form set <id> <field> <json-value>")
		}
		var value any
		if err := json.Unmarshal([]byte(args[3]), &value); err != nil {
			// Bare words are treated as strings.
			value = args[3]
		}
		result, err := a.forms.SaveFieldValue(ctx, args[1], args[2], value)
		if err != nil {
			return err
		}
		if !result.Valid {
			printJSON(result)
			return fmt.Errorf("value rejected")
		}
		fmt.Println("ok")
		return nil

	case "transition":
		if len(args) < 3 {
			return fmt.Errorf("usage: clinicd form transition <id> <state>")
		}
		inst, result, err := a.forms.TransitionState(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		if !result.Valid {
			printJSON(result)
			return fmt.Errorf("transition rejected")
		}
		return printJSON(inst)

	default:
		return fmt.Errorf("unknown form command: %s", args[0])
	}
}

func cmdDegraded(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: clinicd degraded <enter|note|exit> ...")
	}
	ctx := context.Background()

	switch args[0] {
	case "enter":
		if len(args) < 2 {
			return fmt.Errorf("usage: clinicd degraded enter <reason>")
		}
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		reason := strings.Join(args[1:], " ")
		a.keys.EnterDegradedMode(ctx, reason)
		if err := security.WriteSecretFile(degradedMarkerPath(a.cfg), []byte(reason+"\n")); err != nil {
			return fmt.Errorf("persist degraded marker: %w", err)
		}
		fmt.Printf("Degraded mode active: %s\n", reason)
		fmt.Println("Normal operations are blocked; capture urgent data with 'clinicd degraded note'.")
		return nil

	case "note":
		if len(args) < 2 {
			return fmt.Errorf("usage: clinicd degraded note <text>")
		}
		a, err := openApp(ctx, false)
		if err != nil {
			return err
		}
		defer a.close()

		if active, _, _ := a.keys.DegradedState(); !active {
			return fmt.Errorf("degraded mode is not active")
		}
		doc, err := a.store.PutPlaintext(ctx, "note:"+uuid.NewString(), []byte(strings.Join(args[1:], " ")))
		if err != nil {
			return err
		}
		fmt.Printf("Stored unencrypted note %s; it will be re-encrypted on 'degraded exit'.\n", doc.ID)
		return nil

	case "exit":
		a, err := openApp(ctx, true)
		if err != nil {
			return err
		}
		defer a.close()

		// Recovery runs while still degraded, then the gate lifts.
		key, keyID, err := a.keys.RequireKey(keymanager.OpRecovery)
		if err != nil {
			return err
		}
		n, err := a.store.ReencryptDegraded(ctx, key, keyID)
		if err != nil {
			return err
		}
		a.keys.ExitDegradedMode(ctx)
		if err := os.Remove(degradedMarkerPath(a.cfg)); err != nil && !os.IsNotExist(err) {
			return err
		}
		fmt.Printf("Re-encrypted %d document(s); degraded mode cleared.\n", n)
		return nil

	default:
		return fmt.Errorf("unknown degraded command: %s", args[0])
	}
}

func cmdSchemas() error {
	ctx := context.Background()
	a, err := openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	ids := a.registry.IDs()
	if len(ids) == 0 {
		fmt.Println("No schemas registered.")
		return nil
	}
	for _, id := range ids {
		s := a.registry.Get(id)
		fmt.Printf("%s (v%d) %s\n", s.ID, s.Version, s.Title)
	}
	return nil
}
