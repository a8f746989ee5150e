package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/inercia/sdlink/internal/client"
	"github.com/inercia/sdlink/internal/config"
	"github.com/inercia/sdlink/internal/imagestore"
	"github.com/inercia/sdlink/internal/logging"
)

var (
	genPrompt       string
	genNegative     string
	genModel        string
	genSampler      string
	genSteps        int
	genCFG          float64
	genWidth        int
	genHeight       int
	genSeed         int64
	genDenoise      float64
	genImage        string
	genParamsFile   string
	genOut          string
	genSavePreviews bool
	genWatch        bool
)

// paramFlags maps generate flags to the parameter keys sent to the server.
var paramFlags = []struct {
	flag  string
	key   string
	value func() any
}{
	{"prompt", "prompt", func() any { return genPrompt }},
	{"negative", "negative_prompt", func() any { return genNegative }},
	{"model", "model", func() any { return genModel }},
	{"sampler", "sampler", func() any { return genSampler }},
	{"steps", "steps", func() any { return genSteps }},
	{"cfg", "cfg_scale", func() any { return genCFG }},
	{"width", "width", func() any { return genWidth }},
	{"height", "height", func() any { return genHeight }},
	{"seed", "seed", func() any { return genSeed }},
	{"denoise", "denoising_strength", func() any { return genDenoise }},
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an image",
	Long: `Generate an image and save it with a YAML metadata sidecar.

Parameters come from the config file defaults, then the --params file,
then the flags. With --image the generation starts from a source image.

Press Ctrl+C once to cancel the generation, twice to quit immediately.

Examples:
  sdlink generate --prompt "a lighthouse at dusk" --steps 30
  sdlink generate --params scene.yaml --watch
  sdlink generate --image sketch.png --prompt "oil painting" --denoise 0.6`,
	Args: cobra.NoArgs,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	f := generateCmd.Flags()
	f.StringVarP(&genPrompt, "prompt", "p", "", "Prompt text")
	f.StringVarP(&genNegative, "negative", "n", "", "Negative prompt")
	f.StringVar(&genModel, "model", "", "Model (checkpoint) name")
	f.StringVar(&genSampler, "sampler", "", "Sampler name")
	f.IntVar(&genSteps, "steps", 0, "Sampling steps")
	f.Float64Var(&genCFG, "cfg", 0, "Classifier free guidance scale")
	f.IntVar(&genWidth, "width", 0, "Image width")
	f.IntVar(&genHeight, "height", 0, "Image height")
	f.Int64Var(&genSeed, "seed", -1, "Seed (-1 for random)")
	f.Float64Var(&genDenoise, "denoise", 0, "Denoising strength for --image")
	f.StringVar(&genImage, "image", "", "Source image file for image-to-image generation")
	f.StringVar(&genParamsFile, "params", "", "YAML or JSON file with generation parameters")
	f.StringVarP(&genOut, "out", "o", "", "Output directory (default: output_dir from config)")
	f.BoolVar(&genSavePreviews, "save-previews", false, "Also save intermediate previews")
	f.BoolVarP(&genWatch, "watch", "w", false, "Generate again whenever the --params file changes")
}

// flagParams returns the parameters set explicitly on the command line.
func flagParams(cmd *cobra.Command) map[string]any {
	params := make(map[string]any)
	for _, pf := range paramFlags {
		if cmd.Flags().Changed(pf.flag) {
			params[pf.key] = pf.value()
		}
	}
	return params
}

// generationParams merges config defaults, an optional params file and
// explicit values.
func generationParams(paramsFile string, explicit map[string]any) (config.MergeResult, error) {
	layers := []config.Layer{{Source: config.SourceDefault, Params: cfg.Defaults}}
	if paramsFile != "" {
		p, err := config.LoadParams(paramsFile)
		if err != nil {
			return config.MergeResult{}, err
		}
		layers = append(layers, config.Layer{Source: config.SourceFile, Params: p})
	}
	layers = append(layers, config.Layer{Source: config.SourceFlag, Params: explicit})
	return config.MergeParams(layers...), nil
}

// requirePrompt rejects text-to-image requests without a prompt.
func requirePrompt(params map[string]any, image string) error {
	if image != "" {
		return nil
	}
	if p, _ := params["prompt"].(string); strings.TrimSpace(p) == "" {
		return errors.New("a prompt is required (--prompt or a params file)")
	}
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if genWatch && genParamsFile == "" {
		return errors.New("--watch needs a --params file")
	}

	explicit := flagParams(cmd)
	merged, err := generationParams(genParamsFile, explicit)
	if err != nil {
		return err
	}

	var image string
	if genImage != "" {
		if image, err = imagestore.ReadDataURL(genImage); err != nil {
			return fmt.Errorf("failed to read source image: %w", err)
		}
	}
	if err := requirePrompt(merged.Params, image); err != nil {
		return err
	}

	store, err := openImageStore(genOut)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var current atomic.Pointer[client.Session]
	var cancelRequested atomic.Bool
	ctx, cancel := interruptible(cmd.Context(), func() {
		cancelRequested.Store(true)
		fmt.Fprintln(cmd.ErrOrStderr(), "Cancelling generation (interrupt again to quit)")
		if s := current.Load(); s != nil {
			if err := s.CancelGeneration(); err != nil {
				logging.CLI().Debug("Cancel request failed", "error", err)
			}
		}
	})
	defer cancel()

	s, err := connectSession(ctx)
	if err != nil {
		return err
	}
	current.Store(s)
	defer s.Disconnect()

	run := func(params map[string]any) error {
		_, err := generateOnce(ctx, s, store, params, image, genSavePreviews, out)
		if err != nil && cancelRequested.Load() && ctx.Err() != nil {
			return errors.New("generation cancelled")
		}
		return err
	}

	if !genWatch {
		return run(merged.Params)
	}
	return watchAndGenerate(ctx, s, explicit, run, cmd.ErrOrStderr())
}

// watchAndGenerate generates once and again after every change of the
// params file, until ctx ends or the connection is lost.
func watchAndGenerate(ctx context.Context, s *client.Session, explicit map[string]any, run func(map[string]any) error, errOut io.Writer) error {
	watcher, err := config.NewParamsWatcher(genParamsFile, logging.Settings())
	if err != nil {
		return fmt.Errorf("failed to watch %s: %w", genParamsFile, err)
	}
	watcher.Start()
	defer watcher.Close()

	changed := make(chan struct{}, 1)
	watcher.Subscribe(config.ParamsSubscriberFunc(func(e config.ParamsChangeEvent) {
		if e.Removed {
			return
		}
		select {
		case changed <- struct{}{}:
		default:
		}
	}))

	generate := func() error {
		merged, err := generationParams(genParamsFile, explicit)
		if err == nil {
			err = run(merged.Params)
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if s.State() != client.StateConnected {
				return err
			}
			fmt.Fprintf(errOut, "Error: %v\n", err)
		}
		fmt.Fprintf(errOut, "Watching %s for changes\n", watcher.Path())
		return nil
	}

	if err := generate(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			if err := generate(); err != nil {
				return err
			}
		}
	}
}

// generateOnce runs one generation on s and saves the result in store.
func generateOnce(ctx context.Context, s *client.Session, store *imagestore.Store, params map[string]any, image string, savePreviews bool, out io.Writer) (*imagestore.Saved, error) {
	progress := newProgressPrinter(out, "generating", progressInterval)
	offProgress := s.On(client.EventProgress, func(ev client.Event) {
		progress.update(ev.(client.ProgressEvent).Value, "")
	})
	defer offProgress()

	if savePreviews {
		step := 0
		offPreview := s.On(client.EventPreview, func(ev client.Event) {
			step++
			saved, err := store.SavePreview(ev.(client.PreviewEvent).Image, step)
			if err != nil {
				logging.CLI().Warn("Failed to save preview", "step", step, "error", err)
				return
			}
			fmt.Fprintf(out, "preview %s\n", saved.Path)
		})
		defer offPreview()
	}

	res, err := s.GenerateAndWait(ctx, params, image)
	if err != nil {
		return nil, err
	}
	saved, err := store.SaveResult(res.Image, res.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to save result: %w", err)
	}
	fmt.Fprintf(out, "saved %s\n", saved.Path)
	return saved, nil
}
