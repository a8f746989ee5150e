package cmd

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/sdlink/internal/client"
)

var (
	downloadType         string
	downloadCivitaiToken string
	downloadHFToken      string
)

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a model onto the server",
	Long: `Ask the server to download a checkpoint, LoRA or upscaler.

CivitAI and Hugging Face tokens are taken from the flags, SDLINK_CIVITAI_TOKEN
and SDLINK_HF_TOKEN, the secret store ('sdlink login') or the config file.
The model list is printed again once the download completes.

Examples:
  sdlink download https://civitai.com/api/download/models/12345
  sdlink download https://huggingface.co/org/repo/resolve/main/lora.safetensors --type lora`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)

	downloadCmd.Flags().StringVarP(&downloadType, "type", "t", string(client.ModelCheckpoint), "Model type: checkpoint, lora or upscaler")
	downloadCmd.Flags().StringVar(&downloadCivitaiToken, "civitai-token", "", "CivitAI API token")
	downloadCmd.Flags().StringVar(&downloadHFToken, "hf-token", "", "Hugging Face access token")
}

var hfModelID = regexp.MustCompile(`^[A-Za-z0-9_\-.]+/[A-Za-z0-9_\-.]+$`)

// downloadSource names the hub a model URL points to.
func downloadSource(url string) string {
	switch {
	case strings.Contains(url, "civitai.com"):
		return "civitai"
	case strings.Contains(url, "huggingface.co"), hfModelID.MatchString(url):
		return "huggingface"
	case strings.Contains(url, "drive.google.com"):
		return "google_drive"
	default:
		return "direct"
	}
}

func runDownload(cmd *cobra.Command, args []string) error {
	modelType, err := client.ParseModelType(downloadType)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("civitai-token") {
		creds.flag.CivitaiToken = downloadCivitaiToken
	}
	if cmd.Flags().Changed("hf-token") {
		creds.flag.HFToken = downloadHFToken
	}
	civitai, hf := creds.tokens()

	req := client.DownloadRequest{
		Type:         modelType,
		URL:          strings.TrimSpace(args[0]),
		CivitaiToken: civitai,
		HFToken:      hf,
	}

	ctx, cancel := interruptible(cmd.Context(), func() {
		fmt.Fprintln(cmd.ErrOrStderr(), "Stopping (the server may keep downloading)")
	})
	defer cancel()

	s, err := connectSession(ctx)
	if err != nil {
		return err
	}
	defer s.Disconnect()

	return downloadModel(ctx, s, req, cmd.OutOrStdout())
}

// downloadModel runs one download on s, then prints the refreshed model
// list.
func downloadModel(ctx context.Context, s *client.Session, req client.DownloadRequest, out io.Writer) error {
	fmt.Fprintf(out, "downloading %s from %s\n", req.Type, downloadSource(req.URL))

	progress := newProgressPrinter(out, "downloading", progressInterval)
	off := s.On(client.EventDownloadProgress, func(ev client.Event) {
		p := ev.(client.DownloadProgressEvent)
		detail := ""
		if p.Rate > 0 {
			detail = fmt.Sprintf(" %.1f MB/s", p.Rate)
		}
		if p.ETA > 0 {
			detail += fmt.Sprintf(" eta %.0fs", p.ETA)
		}
		progress.update(p.Progress, detail)
	})
	defer off()

	done, err := s.DownloadAndWait(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "downloaded %s\n", done.Filename)

	models, err := s.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Fprintln(out, m)
	}
	return nil
}
