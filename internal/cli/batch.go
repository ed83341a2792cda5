package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/pkg/entitystore"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/kafka"
	"github.com/Ramsey-B/clover/pkg/matching"
	"github.com/Ramsey-B/clover/pkg/merging"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/processor"
)

type batchFlags struct {
	input  string
	dryRun bool
}

// batchSummary is what the batch command prints.
type batchSummary struct {
	RunID    string     `json:"run_id"`
	Records  int        `json:"records"`
	Skipped  []string   `json:"skipped,omitempty"`
	Pairs    int        `json:"pairs"`
	Entities int        `json:"entities"`
	Clusters [][]string `json:"clusters"`
	Duration string     `json:"duration"`
	DryRun   bool       `json:"dry_run,omitempty"`
}

func (a *App) batchCommand() *cobra.Command {
	flags := &batchFlags{}
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Cluster a file of records and rebuild their golden entities",
		Long: `batch reads records from a JSON array or newline delimited JSON file,
scores every candidate pair, clusters the linked records and upserts one
golden entity per cluster.

With --dry-run the run happens against an empty in-memory store and nothing
is written to the database, the graph or the event stream.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBatch(cmd.Context(), cmd.OutOrStdout(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.input, "input", "i", "", "records file (JSON array or NDJSON), - for stdin")
	cmd.Flags().BoolVar(&flags.dryRun, "dry-run", false, "cluster in memory without writing anywhere")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func (a *App) runBatch(ctx context.Context, out io.Writer, flags *batchFlags) error {
	records, err := loadRecords(flags.input)
	if err != nil {
		return err
	}

	runner, closeFn, err := a.batchRunner(ctx, flags.dryRun)
	if err != nil {
		return err
	}
	defer closeFn()

	result, err := runner.Run(ctx, records)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(batchSummary{
		RunID:    result.RunID,
		Records:  result.Records,
		Skipped:  result.Skipped,
		Pairs:    len(result.Pairs),
		Entities: len(result.Entities),
		Clusters: result.Clusters,
		Duration: result.Duration.String(),
		DryRun:   flags.dryRun,
	})
}

// batchRunner builds a runner over Postgres, or over a fresh memory store for a dry run.
func (a *App) batchRunner(ctx context.Context, dryRun bool) (*processor.BatchRunner, func(), error) {
	cfg := a.cfg
	if dryRun {
		store := entitystore.NewMemoryStore()
		return a.newBatchRunner(store), func() {}, nil
	}

	db, err := a.openDatabase(ctx)
	if err != nil {
		return nil, nil, err
	}
	closers := []func(){func() { _ = db.Close() }}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var opts []processor.Option
	if cfg.GraphDBEnabled {
		client, err := graph.NewClient(graph.Config{
			Host:     cfg.GraphDBHost,
			Port:     cfg.GraphDBPort,
			Username: cfg.GraphDBUser,
			Password: cfg.GraphDBPassword,
		}, a.logger)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, func() { _ = client.Close(context.Background()) })
		opts = append(opts, processor.WithGraph(graph.NewProjector(client, a.logger)))
	}
	if cfg.KafkaProducerEnabled {
		producer := kafka.NewProducer(kafka.ProducerConfigFrom(*cfg), a.logger)
		closers = append(closers, func() { _ = producer.Close() })
		opts = append(opts, processor.WithEmitter(events.NewEmitter(producer, a.logger)))
	}

	return a.newBatchRunner(entitystore.NewPostgresStore(db, a.logger), opts...), closeAll, nil
}

func (a *App) newBatchRunner(store entitystore.Store, opts ...processor.Option) *processor.BatchRunner {
	merger := merging.NewMerger()
	manager := entitystore.NewManager(store, merger, storeConfig(a.cfg), a.logger)
	engine := matching.NewEngine(store, engineConfig(a.cfg), a.logger)
	return processor.NewBatchRunner(engine, manager, merger, batchConfig(a.cfg), a.logger, opts...)
}

func loadRecords(path string) ([]models.RawRecord, error) {
	if path == "-" {
		return decodeRecords(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return decodeRecords(f)
}

// decodeRecords accepts either a JSON array of records or one record per line.
func decodeRecords(r io.Reader) ([]models.RawRecord, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var records []models.RawRecord
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, fmt.Errorf("failed to decode record array: %w", err)
		}
		return records, nil
	}

	var records []models.RawRecord
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec models.RawRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
