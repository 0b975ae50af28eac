package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/voicesafe/internal/analysis"
	"github.com/MrWong99/voicesafe/pkg/audio"
	"github.com/MrWong99/voicesafe/pkg/scoring"
)

var (
	serverURL      string
	analyzeTimeout time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE",
	Short: "Score a recording for scam-risk indicators",
	Long: `Score one recording.

The file is decoded, normalised to the analysis rate and scored for scam
risk, synthetic-voice probability and vocal stress. Scores are prototype
heuristics, not verdicts.

Examples:
  vsctl analyze call.wav
  vsctl analyze --json call.ogg
  vsctl analyze --server http://localhost:8000 call.mp3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if serverURL != "" {
			return analyzeRemote(cmd.Context(), cmd.OutOrStdout(), args[0])
		}
		return analyzeLocal(cmd.Context(), cmd.OutOrStdout(), args[0])
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&serverURL, "server", "", "base URL of a running VoiceSafe server")
	analyzeCmd.Flags().DurationVar(&analyzeTimeout, "timeout", 60*time.Second, "per-file analysis timeout")
}

// fileReport is the JSON output of a local analysis.
type fileReport struct {
	File   string          `json:"file"`
	Error  string          `json:"error,omitempty"`
	Result *scoring.Result `json:"result,omitempty"`
	Meta   *reportMeta     `json:"meta,omitempty"`
}

type reportMeta struct {
	Format     string  `json:"format"`
	Decoder    string  `json:"decoder"`
	DurationS  float64 `json:"duration_s"`
	SourceS    float64 `json:"source_duration_s"`
	SampleRate int     `json:"sample_rate"`
	Truncated  bool    `json:"truncated"`
	Padded     bool    `json:"padded"`
	MS         int64   `json:"ms"`
}

func analyzeLocal(ctx context.Context, w io.Writer, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newLocalApp(ctx)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	fr := fileReport{File: file}
	rep, err := analyzeFile(ctx, a.Analyzer(), file)
	if err != nil {
		fr.Error = err.Error()
	} else {
		m := rep.Meta
		fr.Result = &rep.Result
		fr.Meta = &reportMeta{
			Format:     m.Format,
			Decoder:    m.Decoder,
			DurationS:  m.Duration.Seconds(),
			SourceS:    m.SourceDuration.Seconds(),
			SampleRate: m.SampleRate,
			Truncated:  m.Truncated,
			Padded:     m.Padded,
			MS:         m.Elapsed.Milliseconds(),
		}
	}

	switch {
	case outputJSON:
		if perr := printJSON(w, fr); perr != nil {
			return perr
		}
	case err == nil:
		printReport(w, fr)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	return nil
}

func analyzeFile(ctx context.Context, an *analysis.Analyzer, path string) (*analysis.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()
	return an.Analyze(ctx, audio.Payload{Data: data, Filename: filepath.Base(path)})
}

func printReport(w io.Writer, r fileReport) {
	res := r.Result
	codes := make([]string, len(res.Flags))
	for i, f := range res.Flags {
		codes[i] = string(f.Code)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "File\t%s\n", r.File)
	fmt.Fprintf(tw, "Scam risk\t%s\n", formatScore(res.ScamRisk))
	fmt.Fprintf(tw, "AI voice\t%s\n", formatScore(res.AIVoice))
	fmt.Fprintf(tw, "Stress\t%s\n", formatScore(res.Stress))
	fmt.Fprintf(tw, "Duration\t%.1fs (%s via %s)\n", r.Meta.DurationS, r.Meta.Format, r.Meta.Decoder)
	if len(codes) > 0 {
		fmt.Fprintf(tw, "Flags\t%s\n", strings.Join(codes, ", "))
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%s\n", res.Summary)
}

func formatScore(s scoring.Score) string {
	return fmt.Sprintf("%.2f (%s)", s.Value, s.Label)
}

// analyzeRemote uploads file as multipart form data to the server.
func analyzeRemote(ctx context.Context, w io.Writer, file string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := strings.TrimSuffix(serverURL, "/") + "/analyze"
	client := &http.Client{Timeout: analyzeTimeout}

	body, err := upload(ctx, client, endpoint, file)
	if err != nil {
		return fmt.Errorf("%s: %w", file, err)
	}
	if outputJSON {
		var buf bytes.Buffer
		if err := json.Indent(&buf, body, "", "  "); err != nil {
			return fmt.Errorf("%s: invalid response: %w", file, err)
		}
		fmt.Fprintln(w, buf.String())
		return nil
	}
	var resp struct {
		ScamRisk float64 `json:"scam_risk"`
		AIVoice  float64 `json:"ai_voice_probability"`
		Stress   float64 `json:"stress_level"`
		Summary  string  `json:"summary"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("%s: invalid response: %w", file, err)
	}
	fmt.Fprintf(w, "%s: scam_risk=%.2f ai_voice=%.2f stress=%.2f\n  %s\n",
		file, resp.ScamRisk, resp.AIVoice, resp.Stress, resp.Summary)
	return nil
}

func upload(ctx context.Context, client *http.Client, endpoint, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return body, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
