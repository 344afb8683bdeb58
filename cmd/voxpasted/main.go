// voxpasted - push-to-talk dictation daemon
//
//	voxpasted run                Run the daemon and its input/speech helper
//	voxpasted history            Show recent dictations
//	voxpasted hotkey [spec]      Show or change the push-to-talk hotkey
//	voxpasted dict               Edit the rewrite dictionary
//	voxpasted prompts            List or add rewrite prompts
//	voxpasted set-api-key        Store the rewrite API key encrypted
//	voxpasted permissions        Ask the helper which permissions it has
//	voxpasted config             Show or create the configuration file
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"

	"voxpaste/internal/config"
	"voxpaste/internal/hotkey"
	"voxpaste/internal/ipc"
	"voxpaste/internal/secret"
	"voxpaste/internal/session"
	"voxpaste/internal/store"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		cmdRun(args)
	case "history":
		cmdHistory(args)
	case "hotkey":
		cmdHotkey(args)
	case "dict":
		cmdDict(args)
	case "prompts":
		cmdPrompts(args)
	case "set-api-key":
		cmdSetAPIKey(args)
	case "permissions":
		cmdPermissions(args)
	case "config":
		cmdConfig(args)
	case "version":
		fmt.Println("voxpasted", Version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`voxpasted - Push-to-talk dictation

USAGE:
    voxpasted <command> [options]

COMMANDS:
    run                 Run the daemon (spawns voxpaste-helper)
    history             Show recent dictations
    hotkey [spec]       Show or change the hotkey, e.g. "Control + Option + Space"
    dict [add|rm]       List or edit the rewrite dictionary
    prompts             List rewrite prompts (-add <name> -file <path> adds one)
    set-api-key         Store the rewrite API key encrypted (reads stdin)
    permissions         Report microphone, speech and keyboard access
    config              Show the configuration (-init writes the default file)
    version             Print the version
    help                Show this help message

Hold the hotkey and speak; release it to paste. Press Escape to cancel,
including while the transcript is being rewritten.

Every command accepts -config <path>. The default is ` + config.ConfigPath())
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func configFile(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return config.FindConfigFile()
}

func loadConfig(path string) *config.Config {
	cfg, err := config.Load(configFile(path))
	if err != nil {
		fatalf("load config: %v", err)
	}
	return cfg
}

func openStore(cfg *config.Config) *store.Store {
	if err := cfg.EnsureDirectories(); err != nil {
		fatalf("%v", err)
	}
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fatalf("open store: %v", err)
	}
	return st
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args)

	path := configFile(*configPath)
	if _, created, err := config.LoadOrCreate(path); err != nil {
		fatalf("%v", err)
	} else if created {
		fmt.Printf("Wrote default configuration to %s\n", path)
	}

	d, err := newDaemon(path)
	if err != nil {
		fatalf("%v", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.Run(ctx); err != nil {
		fatalf("%v", err)
	}
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	limit := fs.Int("n", 20, "Number of entries")
	asJSON := fs.Bool("json", false, "Print JSON")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	st := openStore(cfg)
	defer st.Close()

	entries, err := st.ListHistory(context.Background(), *limit)
	if err != nil {
		fatalf("list history: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fatalf("%v", err)
		}
		return
	}

	if len(entries) == 0 {
		fmt.Println("No dictations yet.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tAPP\tMS\tTEXT")
	for _, e := range entries {
		ms := "-"
		if e.ProcessingTimeMs != nil {
			ms = fmt.Sprint(*e.ProcessingTimeMs)
		}
		text := e.RawText
		if e.IsRewritten {
			text = e.RewrittenText
		}
		app := e.AppName
		if app == "" {
			app = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04"), app, ms, truncate(text, 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func cmdHotkey(args []string) {
	fs := flag.NewFlagSet("hotkey", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args)

	path := configFile(*configPath)
	cfg := loadConfig(path)
	st := openStore(cfg)
	defer st.Close()
	ctx := context.Background()

	if fs.NArg() == 0 {
		current := cfg.Hotkey.Trigger
		if v, ok, err := st.Setting(ctx, store.SettingHotkey); err == nil && ok && v != "" {
			current = v
		}
		fmt.Println(current)
		return
	}

	b, err := hotkey.Parse(strings.Join(fs.Args(), " "))
	if err != nil {
		fatalf("%v", err)
	}
	spec := b.String()

	if err := st.SetSetting(ctx, store.SettingHotkey, spec); err != nil {
		fatalf("save hotkey: %v", err)
	}
	// A running daemon picks the change up from the config file.
	cfg.Hotkey.Trigger = spec
	if err := config.SaveConfig(cfg, path); err != nil {
		fatalf("save config: %v", err)
	}
	fmt.Printf("Hotkey set to %s\n", spec)
}

func cmdSetAPIKey(args []string) {
	fs := flag.NewFlagSet("set-api-key", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	remove := fs.Bool("clear", false, "Remove the stored key")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	st := openStore(cfg)
	defer st.Close()
	ctx := context.Background()

	if *remove {
		if err := st.DeleteSetting(ctx, store.SettingRewriteAPIKey); err != nil {
			fatalf("%v", err)
		}
		fmt.Println("Stored API key removed.")
		return
	}

	box, err := secret.LoadOrCreate(cfg.Storage.KeyPath)
	if err != nil {
		fatalf("load secret key: %v", err)
	}

	fmt.Fprint(os.Stderr, "API key: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fatalf("read key: %v", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		fatalf("empty key")
	}

	sealed, err := box.Seal(apiKeyLabel, key)
	if err != nil {
		fatalf("seal key: %v", err)
	}
	if err := st.SetSetting(ctx, store.SettingRewriteAPIKey, sealed); err != nil {
		fatalf("save key: %v", err)
	}
	fmt.Println("API key stored.")
}

func cmdPermissions(args []string) {
	fs := flag.NewFlagSet("permissions", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	helperPath, err := ipc.ResolveHelperPath(cfg.Helper.Path)
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sup := ipc.NewSupervisor(ipc.ProcessConfig{
		Path: helperPath,
		Args: helperArgs(cfg, configFile(*configPath)),
	}, nil)
	coord := session.New(session.OptionsFromConfig(cfg), session.Deps{Transport: sup})
	go coord.Run(ctx)
	go sup.Run(ctx, coord.Deliver)

	if !waitRunning(ctx, sup) {
		fatalf("helper did not start")
	}
	perms, err := coord.CheckPermissions(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	if perms == nil {
		fatalf("helper did not answer")
	}

	fmt.Printf("Speech recognition: %s\n", perms.SpeechRecognition)
	fmt.Printf("Microphone:         %s\n", perms.Microphone)
	if perms.Input != "" {
		fmt.Printf("Keyboard input:     %s\n", perms.Input)
	}
}

func waitRunning(ctx context.Context, sup *ipc.Supervisor) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !sup.Running() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}

func cmdConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "Configuration file")
	initFile := fs.Bool("init", false, "Write the default configuration if none exists")
	fs.Parse(args)

	path := configFile(*configPath)

	if *initFile {
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fatalf("%v", err)
		}
		if created {
			fmt.Printf("Wrote %s\n", path)
		} else {
			fmt.Printf("%s already exists\n", path)
		}
		return
	}

	cfg, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			fmt.Fprintf(os.Stderr, "Invalid configuration in %s:\n", path)
			for _, e := range verrs {
				fmt.Fprintf(os.Stderr, "  %s\n", e.Error())
			}
			os.Exit(1)
		}
		fatalf("%v", err)
	}

	fmt.Printf("# %s\n", path)
	if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
		fatalf("%v", err)
	}
}
