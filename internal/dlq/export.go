package dlq

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nuetzliches/reliq/internal/queue"
)

// MaxExport caps how many records a single export serializes.
const MaxExport = 10000

var ErrUnknownExportFormat = errors.New("unknown export format")

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownExportFormat, s)
	}
}

// Extension is the file suffix used by sinks.
func (f Format) Extension() string {
	return "." + string(f)
}

var csvHeader = []string{"id", "original_message_id", "queue_id", "message_type", "reason", "moved_to_dlq_at", "failure_count"}

// Encode serializes items in format f.
func Encode(items []queue.DeadLetter, f Format) ([]byte, error) {
	switch f {
	case FormatJSON:
		if items == nil {
			items = []queue.DeadLetter{}
		}
		return json.MarshalIndent(items, "", "  ")
	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return nil, err
		}
		for _, dl := range items {
			if err := w.Write([]string{
				dl.ID.String(),
				dl.OriginalMessageID.String(),
				dl.QueueID.String(),
				dl.MessageType,
				strings.ReplaceAll(dl.Reason, ",", ";"),
				dl.MovedToDLQAt.UTC().Format(time.RFC3339),
				strconv.Itoa(dl.FailureCount),
			}); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownExportFormat, string(f))
	}
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}
