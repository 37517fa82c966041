package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"rag-chatbot/internal/app"
	"rag-chatbot/internal/ingest"
)

var (
	ingestTitle    string
	ingestTopic    string
	ingestFileType string

	reprocessText string
	reprocessFile string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Upload and index a document",
	Long: `Stores the file, extracts its text, splits it into chunks and embeds them.
The file type is taken from --type or the file extension.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var reprocessCmd = &cobra.Command{
	Use:   "reprocess [document-id]",
	Short: "Re-chunk and re-embed a document",
	Long: `Replaces every chunk of the document. Without --text or --file the stored
original is extracted again.`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

func init() {
	ingestCmd.Flags().StringVarP(&ingestTitle, "title", "t", "", "document title (defaults to the file name)")
	ingestCmd.Flags().StringVar(&ingestTopic, "topic", "", "topic used to filter retrieval")
	ingestCmd.Flags().StringVar(&ingestFileType, "type", "", "file type, e.g. pdf or md")
	rootCmd.AddCommand(ingestCmd)

	reprocessCmd.Flags().StringVar(&reprocessText, "text", "", "replacement text")
	reprocessCmd.Flags().StringVar(&reprocessFile, "file", "", "read replacement text from a file")
	reprocessCmd.MarkFlagsMutuallyExclusive("text", "file")
	rootCmd.AddCommand(reprocessCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	return withApp(cmd, func(a *app.App) error {
		doc, err := a.Ingest.UploadAndIndexDocument(cmd.Context(), ingest.UploadRequest{
			Title:      ingestTitle,
			FileName:   filepath.Base(path),
			Data:       data,
			FileType:   ingestFileType,
			Topic:      ingestTopic,
			UploadedBy: "cli",
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %q as %s (%d chunks)\n", doc.Title, doc.ID, doc.ChunkCount)
		return nil
	})
}

func runReprocess(cmd *cobra.Command, args []string) error {
	id, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid document id %q", args[0])
	}
	text := reprocessText
	if reprocessFile != "" {
		raw, err := os.ReadFile(reprocessFile)
		if err != nil {
			return fmt.Errorf("read %s: %w", reprocessFile, err)
		}
		text = string(raw)
	}

	return withApp(cmd, func(a *app.App) error {
		chunks, err := a.Ingest.ReprocessDocument(cmd.Context(), id, text)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reprocessed %s (%d chunks)\n", id, len(chunks))
		return nil
	})
}
