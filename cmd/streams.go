package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/babelcloud/gbox/packages/camserver/config"
	"github.com/babelcloud/gbox/packages/camserver/internal/stream"
	"github.com/babelcloud/gbox/packages/camserver/internal/version"
)

// narrowTerminal drops the stream id column below this width.
const narrowTerminal = 110

func NewStreamsCmd() *cobra.Command {
	var (
		addr   string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "streams",
		Short: "List the live streams of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = fmt.Sprintf("http://localhost:%d", config.GetPort())
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			infos, raw, err := fetchStreams(ctx, addr)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				_, err := out.Write(raw)
				return err
			}
			renderStreams(out, infos, wideOutput(out))
			return nil
		},
		Example: `  # List streams of the local server
  camserver streams

  # Query another server
  camserver streams --addr http://robot.local:8080`,
	}
	flags := cmd.Flags()
	flags.StringVar(&addr, "addr", "", "Server base URL (default http://localhost:<server.port>)")
	flags.BoolVar(&asJSON, "json", false, "Print the raw JSON")
	return cmd
}

func fetchStreams(ctx context.Context, addr string) ([]stream.Info, []byte, error) {
	url := strings.TrimSuffix(addr, "/") + "/streams.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, errors.Wrap(err, "invalid server address")
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to reach %s", addr)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, errors.Errorf("server returned %s", resp.Status)
	}
	var infos []stream.Info
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil, nil, errors.Wrap(err, "failed to decode streams")
	}
	return infos, raw, nil
}

// wideOutput is false only for a terminal too narrow for every column.
func wideOutput(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return true
	}
	width, _, err := term.GetSize(int(f.Fd()))
	return err != nil || width >= narrowTerminal
}

func renderStreams(w io.Writer, infos []stream.Info, wide bool) {
	var columns []TableColumn
	if wide {
		columns = append(columns, TableColumn{Header: "ID", Key: "id"})
	}
	columns = append(columns,
		TableColumn{Header: "SOURCE", Key: "source"},
		TableColumn{Header: "TRANSPORT", Key: "transport"},
		TableColumn{Header: "REMOTE", Key: "remote"},
		TableColumn{Header: "MODE", Key: "mode"},
		TableColumn{Header: "FPS", Key: "fps"},
		TableColumn{Header: "RATE", Key: "rate"},
		TableColumn{Header: "SENT", Key: "sent"},
		TableColumn{Header: "DROPPED", Key: "dropped"},
	)

	rows := make([]map[string]any, 0, len(infos))
	for _, in := range infos {
		row := map[string]any{
			"id":        in.ID,
			"source":    in.SourceID,
			"transport": in.Transport,
			"remote":    fmt.Sprintf("%s:%d", in.RemoteIP, in.RemotePort),
			"mode":      describeConfig(in.Config),
			"fps":       "-",
			"rate":      "-",
			"sent":      in.FramesSent,
			"dropped":   in.FramesDropped,
		}
		if in.ActualFPS != nil {
			row["fps"] = fmt.Sprintf("%.1f", *in.ActualFPS)
		}
		if in.ActualDataRate != nil {
			row["rate"] = formatRate(*in.ActualDataRate)
		}
		rows = append(rows, row)
	}
	renderTable(w, columns, rows)
	if len(infos) > 0 {
		fmt.Fprintf(w, "\n%s\n", color.New(color.Faint).Sprintf("%d stream(s)", len(infos)))
	}
}

func describeConfig(c stream.Config) string {
	size := "source"
	if c.Width > 0 && c.Height > 0 {
		size = fmt.Sprintf("%dx%d", c.Width, c.Height)
	}
	fps := "all"
	if c.FPS > 0 {
		fps = fmt.Sprintf("%dfps", c.FPS)
	}
	q := "passthrough"
	if c.Quality > 0 {
		q = fmt.Sprintf("q%d", c.Quality)
	}
	return size + "/" + fps + "/" + q
}

func formatRate(bytesPerSecond float64) string {
	switch {
	case bytesPerSecond >= 1<<20:
		return fmt.Sprintf("%.1f MiB/s", bytesPerSecond/(1<<20))
	case bytesPerSecond >= 1<<10:
		return fmt.Sprintf("%.1f KiB/s", bytesPerSecond/(1<<10))
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSecond)
}
