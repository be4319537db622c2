package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BadgerOps/dmfship/internal/invoke"
	"github.com/spf13/cobra"
)

var (
	deliverTemplate  string
	deliverTargetDir string
	deliverPrefix    string
	deliverDryRun    bool
)

func newDeliverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deliver",
		Short: "Run one delivery",
		Long: `Run one delivery: select the eligible catalog rows for a template type,
upload the manifest and the documents to a new timestamped folder under the
target directory, update the catalog and write the completion marker.

Flags left empty take the defaults from the config file. The response is
printed as JSON; the command exits non-zero when the delivery fails.`,
		Example: `  dmfship deliver
  dmfship deliver --template CONTRATTO --target-dir /contratti/ --prefix quill/CONTRATTO/
  dmfship deliver --template DIGITAL --dry-run`,
		RunE: deliverRun,
	}

	cmd.Flags().StringVar(&deliverTemplate, "template", "", "template type (CONTRATTO, DIGITAL, SOAS, CGA)")
	cmd.Flags().StringVar(&deliverTargetDir, "target-dir", "", "absolute SFTP directory the run folder is created in")
	cmd.Flags().StringVar(&deliverPrefix, "prefix", "", "S3 key prefix of the documents")
	cmd.Flags().BoolVar(&deliverDryRun, "dry-run", false, "list eligible rows and render the manifest without shipping")

	return cmd
}

func deliverRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := invoke.NewHandler(globalCfg, logger)
	resp := h.Handle(ctx, invoke.Event{
		TemplateType:  deliverTemplate,
		SFTPTargetDir: deliverTargetDir,
		S3Prefix:      deliverPrefix,
		DryRun:        deliverDryRun,
	})

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode response: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delivery failed with status %d", resp.StatusCode)
	}
	return nil
}
