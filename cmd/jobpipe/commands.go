package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/jobpipe/internal/composer"
	"github.com/kalambet/jobpipe/internal/config"
	"github.com/kalambet/jobpipe/internal/status"
)

var (
	pollInterval = 2 * time.Second
	pollTimeout  = 10 * time.Minute
)

// --- analyze ---

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Score a resume against a job posting",
	Long: `Score a resume against a job posting.

Examples:
  jobpipe analyze --resume-file cv.txt --job-url https://jobs.example.com/123
  jobpipe analyze --resume-pdf cv.pdf --job-description "$(cat posting.txt)" --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resumeFile, _ := cmd.Flags().GetString("resume-file")
		resumePDF, _ := cmd.Flags().GetString("resume-pdf")
		jobURL, _ := cmd.Flags().GetString("job-url")
		jobDesc, _ := cmd.Flags().GetString("job-description")
		chatID, _ := cmd.Flags().GetString("chat-id")
		wait, _ := cmd.Flags().GetBool("wait")

		if (resumeFile == "") == (resumePDF == "") {
			return fmt.Errorf("exactly one of --resume-file or --resume-pdf is required")
		}
		if (jobURL == "") == (jobDesc == "") {
			return fmt.Errorf("exactly one of --job-url or --job-description is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		created, err := submitAnalysis(ctx, client, analysisArgs{
			resumeFile: resumeFile,
			resumePDF:  resumePDF,
			jobURL:     jobURL,
			jobDesc:    jobDesc,
			chatID:     chatID,
		})
		if err != nil {
			return err
		}
		printSuccess("Analysis queued: %s", created.AnalysisID)

		if !wait {
			return nil
		}
		printStep("Waiting for analysis %s", created.AnalysisID)
		v, err := waitAnalysis(ctx, client, created.AnalysisID)
		if err != nil {
			return err
		}
		printAnalysis(v)
		return nil
	},
}

type analysisArgs struct {
	resumeFile string
	resumePDF  string
	jobURL     string
	jobDesc    string
	chatID     string
}

type createdAnalysis struct {
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
}

func submitAnalysis(ctx context.Context, client *apiClient, a analysisArgs) (createdAnalysis, error) {
	var created createdAnalysis

	if a.resumePDF != "" {
		resp, err := client.upload(ctx, "/analyses", map[string]string{
			"jobUrl":         a.jobURL,
			"jobDescription": a.jobDesc,
			"chatId":         a.chatID,
		}, "resume", a.resumePDF)
		if err != nil {
			return created, err
		}
		return created, decodeJSON(resp, &created)
	}

	text, err := os.ReadFile(a.resumeFile)
	if err != nil {
		return created, fmt.Errorf("reading resume: %w", err)
	}
	body := map[string]any{"resumeText": string(text)}
	if a.jobURL != "" {
		body["jobUrl"] = a.jobURL
	}
	if a.jobDesc != "" {
		body["jobDescription"] = a.jobDesc
	}
	if a.chatID != "" {
		body["chatId"] = a.chatID
	}
	resp, err := client.post(ctx, "/analyses", body)
	if err != nil {
		return created, err
	}
	return created, decodeJSON(resp, &created)
}

// --- transcribe ---

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file>",
	Short: "Upload an audio file for transcription",
	Long: `Upload an audio file for transcription. Summary and translations
follow automatically when the server is configured for them.

Examples:
  jobpipe transcribe interview.mp3
  jobpipe transcribe memo.ogg --language de --wait`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		language, _ := cmd.Flags().GetString("language")
		chatID, _ := cmd.Flags().GetString("chat-id")
		wait, _ := cmd.Flags().GetBool("wait")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		printStep("Uploading %s", args[0])
		resp, err := client.upload(ctx, "/transcriptions", map[string]string{
			"language": language,
			"chatId":   chatID,
		}, "audio", args[0])
		if err != nil {
			return err
		}
		var created struct {
			TranscriptionID string `json:"transcriptionId"`
			Status          string `json:"status"`
		}
		if err := decodeJSON(resp, &created); err != nil {
			return err
		}
		printSuccess("Transcription queued: %s", created.TranscriptionID)

		if !wait {
			return nil
		}
		printStep("Waiting for transcript %s", created.TranscriptionID)
		v, err := waitTranscription(ctx, client, created.TranscriptionID)
		if err != nil {
			return err
		}
		printTranscription(v)
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <analysis|transcription> <id>",
	Short: "Show the state of an analysis or transcription",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		kind, id := args[0], args[1]

		switch kind {
		case "analysis", "analyses":
			var v status.AnalysisView
			if wait {
				v, err = waitAnalysis(ctx, client, id)
			} else {
				v, err = getAnalysis(ctx, client, id)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(v)
			}
			printAnalysis(v)
		case "transcription", "transcriptions":
			var v status.TranscriptionView
			if wait {
				v, err = waitTranscription(ctx, client, id)
			} else {
				v, err = getTranscription(ctx, client, id)
			}
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(v)
			}
			printTranscription(v)
		default:
			return fmt.Errorf("unknown kind %q: use analysis or transcription", kind)
		}
		return nil
	},
}

func getAnalysis(ctx context.Context, client *apiClient, id string) (status.AnalysisView, error) {
	var v status.AnalysisView
	resp, err := client.get(ctx, "/analyses/"+url.PathEscape(id))
	if err != nil {
		return v, err
	}
	return v, decodeJSON(resp, &v)
}

func getTranscription(ctx context.Context, client *apiClient, id string) (status.TranscriptionView, error) {
	var v status.TranscriptionView
	resp, err := client.get(ctx, "/transcriptions/"+url.PathEscape(id))
	if err != nil {
		return v, err
	}
	return v, decodeJSON(resp, &v)
}

func waitAnalysis(ctx context.Context, client *apiClient, id string) (status.AnalysisView, error) {
	var v status.AnalysisView
	err := poll(ctx, func() (bool, error) {
		var err error
		v, err = getAnalysis(ctx, client, id)
		if err != nil {
			return false, err
		}
		return v.Status == "completed" || v.Status == "failed", nil
	})
	return v, err
}

func waitTranscription(ctx context.Context, client *apiClient, id string) (status.TranscriptionView, error) {
	var v status.TranscriptionView
	err := poll(ctx, func() (bool, error) {
		var err error
		v, err = getTranscription(ctx, client, id)
		if err != nil {
			return false, err
		}
		return v.Status == "completed" || v.Status == "failed", nil
	})
	return v, err
}

// poll calls check every pollInterval until it reports done, fails, or
// pollTimeout elapses.
func poll(ctx context.Context, check func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("gave up waiting: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Manage transcript summaries",
}

var summaryRegenerateCmd = &cobra.Command{
	Use:   "regenerate <transcription-id>",
	Short: "Request a new summary of a completed transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/transcriptions/"+url.PathEscape(args[0])+"/summary", nil)
		if err != nil {
			return err
		}
		var out struct {
			Status        string `json:"status"`
			SummaryStatus string `json:"summaryStatus"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Summary %s", out.SummaryStatus)
		return nil
	},
}

// --- translate ---

var translateCmd = &cobra.Command{
	Use:   "translate <transcription-id> <language>",
	Short: "Request a translation of a completed transcription",
	Long: `Request a translation of a completed transcription.

Examples:
  jobpipe translate 6f1c... de
  jobpipe translate 6f1c... pt-BR`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/transcriptions/"+url.PathEscape(args[0])+"/translations",
			map[string]string{"language": args[1]})
		if err != nil {
			return err
		}
		var out struct {
			Language          string `json:"language"`
			TranslationStatus string `json:"translationStatus"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("%s translation %s", composer.LanguageName(out.Language), out.TranslationStatus)
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or change configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show all configuration values",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("%-32s %-36s %s\n", k.Key, k.EnvVar, k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Set %s", args[0])
		return nil
	},
}

// --- output ---

func printAnalysis(v status.AnalysisView) {
	printStatus("Analysis", "%s", v.ID)
	printStatus("Status", "%s", statusColor(v.Status))
	if v.JobURL != nil {
		printStatus("Job", "%s", *v.JobURL)
	}
	if v.CompatibilityScore != nil {
		printStatus("Score", "%d/100", *v.CompatibilityScore)
	}
	if len(v.ResultData) > 0 {
		var data struct {
			Summary string `json:"summary"`
		}
		if json.Unmarshal(v.ResultData, &data) == nil && data.Summary != "" {
			printStatus("Summary", "%s", data.Summary)
		}
	}
	if v.Error != nil {
		printWarning("analysis failed: %s (%s)", v.Error.Message, v.Error.Code)
	}
}

func printTranscription(v status.TranscriptionView) {
	printStatus("Transcription", "%s", v.ID)
	printStatus("Status", "%s", statusColor(v.Status))
	if v.Language != nil {
		printStatus("Language", "%s", composer.LanguageName(*v.Language))
	}
	if v.Error != nil {
		printWarning("transcription failed: %s (%s)", v.Error.Message, v.Error.Code)
	}
	printStatus("Summary", "%s", statusColor(v.SummaryStatus))
	for _, lang := range v.Languages() {
		printStatus("Translation "+lang, "%s", statusColor(v.Translations[lang].Status))
	}
	if v.TranscriptText != nil {
		fmt.Println(*v.TranscriptText)
	}
	if v.SummaryData != nil {
		fmt.Println()
		fmt.Println(*v.SummaryData)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	analyzeCmd.Flags().String("resume-file", "", "plain text resume")
	analyzeCmd.Flags().String("resume-pdf", "", "PDF resume")
	analyzeCmd.Flags().String("job-url", "", "job posting URL")
	analyzeCmd.Flags().String("job-description", "", "job posting text")
	analyzeCmd.Flags().String("chat-id", "", "Telegram chat to notify on completion")
	analyzeCmd.Flags().Bool("wait", false, "wait for the analysis to finish")

	transcribeCmd.Flags().String("language", "", "spoken language hint, e.g. en or pt-BR")
	transcribeCmd.Flags().String("chat-id", "", "Telegram chat to notify on completion")
	transcribeCmd.Flags().Bool("wait", false, "wait for the transcript")

	statusCmd.Flags().Bool("wait", false, "poll until the job finishes")
	statusCmd.Flags().Bool("json", false, "print the raw JSON view")

	summaryCmd.AddCommand(summaryRegenerateCmd)
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
