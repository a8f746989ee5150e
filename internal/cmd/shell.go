package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/inercia/sdlink/internal/client"
	"github.com/inercia/sdlink/internal/config"
	"github.com/inercia/sdlink/internal/imagestore"
)

var (
	shellParamsFile string
	shellOut        string
)

// shellCmd represents the shell command
var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive prompt for generating images",
	Long: `Start an interactive session with the generation server.

Type a prompt and press Enter to generate an image with the current
parameters. Generations run in the background; use /cancel to stop one.

Commands:
  /models               - List the models on the server
  /set <key> <value>    - Set a generation parameter
  /unset <key>          - Remove a parameter set with /set
  /params               - Show the current parameters and their source
  /cancel               - Cancel the running generation
  /download <type> <url> - Download a model onto the server
  /help                 - Show available commands
  /quit, /exit          - Exit the shell`,
	Args: cobra.NoArgs,
	RunE: runShell,
}

func init() {
	rootCmd.AddCommand(shellCmd)

	shellCmd.Flags().StringVar(&shellParamsFile, "params", "", "YAML or JSON file with generation parameters")
	shellCmd.Flags().StringVarP(&shellOut, "out", "o", "", "Output directory (default: output_dir from config)")
}

// lockedWriter serialises writes from background jobs and the prompt loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/?", "Show available commands (alias)"},
	{"/models", "List the models on the server"},
	{"/set", "Set a generation parameter"},
	{"/unset", "Remove a generation parameter"},
	{"/params", "Show the current parameters"},
	{"/cancel", "Cancel the running generation"},
	{"/download", "Download a model onto the server"},
	{"/quit", "Exit the shell"},
	{"/exit", "Exit the shell (alias)"},
	{"/q", "Exit the shell (alias)"},
}

// shell holds the state of one interactive session.
type shell struct {
	ctx        context.Context
	session    *client.Session
	store      *imagestore.Store
	out        io.Writer
	paramsFile string

	mu      sync.Mutex
	params  map[string]any
	busy    string
	pending sync.WaitGroup
}

func newShell(ctx context.Context, s *client.Session, store *imagestore.Store, paramsFile string, out io.Writer) *shell {
	return &shell{
		ctx:        ctx,
		session:    s,
		store:      store,
		out:        &lockedWriter{w: out},
		paramsFile: paramsFile,
		params:     make(map[string]any),
	}
}

func runShell(cmd *cobra.Command, args []string) error {
	store, err := openImageStore(shellOut)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	s, err := connectSession(ctx)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	sh := newShell(ctx, s, store, shellParamsFile, cmd.OutOrStdout())
	off := s.On(client.EventDisconnect, func(client.Event) {
		fmt.Fprintln(sh.out, "\nConnection closed")
		cancel()
	})
	defer off()

	err = sh.loop()
	cancel()
	sh.wait()
	return err
}

func (sh *shell) loop() error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "sdlink> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Fprintln(sh.out, "Type a prompt and press Enter. Use /help for commands. Tab completes commands.")

	for {
		if sh.ctx.Err() != nil {
			return nil
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				fmt.Fprintln(sh.out, "Goodbye!")
				return nil
			}
			return err
		}
		if sh.handleLine(line) {
			return nil
		}
	}
}

// handleLine runs one input line and reports whether the shell should exit.
func (sh *shell) handleLine(line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		sh.generate(line)
		return false
	}

	parts, err := shlex.Split(line[1:])
	if err != nil {
		fmt.Fprintf(sh.out, "Invalid command: %v\n", err)
		return false
	}
	if len(parts) == 0 {
		return false
	}

	switch name, args := strings.ToLower(parts[0]), parts[1:]; name {
	case "quit", "exit", "q":
		fmt.Fprintln(sh.out, "Goodbye!")
		return true
	case "help", "h", "?":
		sh.printHelp()
	case "models":
		sh.listModels()
	case "set":
		if len(args) < 2 {
			fmt.Fprintln(sh.out, "Usage: /set <key> <value>")
			return false
		}
		sh.mu.Lock()
		sh.params[args[0]] = parseValue(strings.Join(args[1:], " "))
		sh.mu.Unlock()
	case "unset":
		if len(args) != 1 {
			fmt.Fprintln(sh.out, "Usage: /unset <key>")
			return false
		}
		sh.mu.Lock()
		delete(sh.params, args[0])
		sh.mu.Unlock()
	case "params":
		sh.printParams()
	case "cancel":
		if err := sh.session.CancelGeneration(); err != nil {
			fmt.Fprintf(sh.out, "Cancel error: %v\n", err)
		} else {
			fmt.Fprintln(sh.out, "Cancel requested")
		}
	case "download":
		sh.download(args)
	default:
		fmt.Fprintf(sh.out, "Unknown command: %s (use /help for available commands)\n", name)
	}
	return false
}

// parseValue interprets a /set value as a YAML scalar, so that numbers
// and booleans keep their type. Anything else is kept as a string.
func parseValue(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	default:
		return s
	}
}

// merged returns the parameters a generation would use right now.
func (sh *shell) merged(extra map[string]any) (config.MergeResult, error) {
	sh.mu.Lock()
	explicit := make(map[string]any, len(sh.params)+len(extra))
	for k, v := range sh.params {
		explicit[k] = v
	}
	sh.mu.Unlock()
	for k, v := range extra {
		explicit[k] = v
	}
	return generationParams(sh.paramsFile, explicit)
}

// start runs job in the background unless another job is running.
func (sh *shell) start(what string, job func() error) {
	sh.mu.Lock()
	if sh.busy != "" {
		busy := sh.busy
		sh.mu.Unlock()
		fmt.Fprintf(sh.out, "Still %s; wait for it to finish or use /cancel\n", busy)
		return
	}
	sh.busy = what
	sh.pending.Add(1)
	sh.mu.Unlock()

	go func() {
		defer sh.pending.Done()
		err := job()
		sh.mu.Lock()
		sh.busy = ""
		sh.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}()
}

// wait blocks until background jobs have finished.
func (sh *shell) wait() {
	sh.pending.Wait()
}

func (sh *shell) generate(prompt string) {
	merged, err := sh.merged(map[string]any{"prompt": prompt})
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	sh.start("generating", func() error {
		_, err := generateOnce(sh.ctx, sh.session, sh.store, merged.Params, "", false, sh.out)
		return err
	})
}

func (sh *shell) download(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(sh.out, "Usage: /download <checkpoint|lora|upscaler> <url>")
		return
	}
	modelType, err := client.ParseModelType(args[0])
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	civitai, hf := creds.tokens()
	req := client.DownloadRequest{Type: modelType, URL: args[1], CivitaiToken: civitai, HFToken: hf}
	sh.start("downloading", func() error {
		return downloadModel(sh.ctx, sh.session, req, sh.out)
	})
}

func (sh *shell) listModels() {
	models, err := sh.session.ListModels(sh.ctx)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	for _, m := range models {
		fmt.Fprintln(sh.out, m)
	}
}

func (sh *shell) printParams() {
	merged, err := sh.merged(nil)
	if err != nil {
		fmt.Fprintf(sh.out, "Error: %v\n", err)
		return
	}
	if len(merged.Params) == 0 {
		fmt.Fprintln(sh.out, "No parameters set")
		return
	}
	for _, k := range merged.Keys() {
		fmt.Fprintf(sh.out, "  %s = %v (%s)\n", k, merged.Params[k], merged.Sources[k])
	}
}

func (sh *shell) printHelp() {
	fmt.Fprintln(sh.out, `
Available commands:
  /models                 - List the models on the server
  /set <key> <value>      - Set a generation parameter (e.g. /set steps 30)
  /unset <key>            - Remove a parameter set with /set
  /params                 - Show the current parameters and their source
  /cancel                 - Cancel the running generation
  /download <type> <url>  - Download a checkpoint, lora or upscaler
  /quit, /exit, /q        - Exit the shell
  /help, /h, /?           - Show this help message

Tips:
  - Any other line is sent as the prompt of a new generation
  - Quote values containing spaces: /set negative_prompt "blurry, low quality"
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// completeInput provides tab completion for the shell input.
// It completes slash commands when the input starts with "/".
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]

	if !strings.HasPrefix(text, "/") || strings.Contains(text, " ") {
		return readline.Completions{}
	}

	matches, descriptions := matchSlashCommands(text)
	if len(matches) == 0 {
		return readline.Completions{}
	}

	// Format: value1, desc1, value2, desc2, ...
	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}

	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}

// matchSlashCommands returns the slash commands starting with text and
// their descriptions.
func matchSlashCommands(text string) (names, descriptions []string) {
	for _, cmd := range slashCommands {
		if strings.HasPrefix(cmd.name, text) {
			names = append(names, cmd.name)
			descriptions = append(descriptions, cmd.description)
		}
	}
	return names, descriptions
}
