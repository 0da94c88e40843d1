package enrich

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/errtally/internal/model"
)

// UnknownTxMarker selects the raw entries the unknown transaction report
// looks at.
const UnknownTxMarker = "Unknown transaction type"

// Platforms of the unknown transaction report, in report order.
const (
	PlatformWB        = "WB"
	PlatformOzon      = "Ozon"
	PlatformMalformed = "Malformed"
	PlatformUnknown   = "-"
)

// UnknownTxHeader is the header row of the stored report.
var UnknownTxHeader = []string{
	"Platform (WB/Ozon/Malformed)",
	"doc_type_name",
	"operation_type_name",
	"supplier_oper_name",
	"payment_processing",
	"bonus_type_name",
	"1d",
	"Malformed IDs",
}

var platformOrder = map[string]int{PlatformWB: 0, PlatformOzon: 1, PlatformMalformed: 2}

var txFields = []string{
	"supplier_oper_name",
	"doc_type_name",
	"operation_type",
	"operation_type_name",
	"payment_processing",
	"bonus_type_name",
}

// txFieldExprs find a quoted field value when the embedded object does not
// decode or holds no value for it.
var txFieldExprs = func() map[string]*regexp.Regexp {
	m := make(map[string]*regexp.Regexp, len(txFields))
	for _, f := range txFields {
		m[f] = regexp.MustCompile(`"` + regexp.QuoteMeta(f) + `"\s*:\s*"([^"]*)"`)
	}
	return m
}()

// UnknownTxRow is one distinct transaction shape. Empty fields are shown as
// PlatformUnknown.
type UnknownTxRow struct {
	Platform          string `json:"platform"`
	DocType           string `json:"doc_type_name"`
	OperationType     string `json:"operation_type_name"`
	SupplierOperation string `json:"supplier_oper_name"`
	PaymentProcessing string `json:"payment_processing"`
	BonusType         string `json:"bonus_type_name"`
	OneDay            int    `json:"one_day"`
}

// UnknownTxReport breaks the last day's "Unknown transaction type" errors
// down by marketplace and transaction fields.
type UnknownTxReport struct {
	Date         time.Time      `json:"date"`
	Matched      int            `json:"matched"`
	Rows         []UnknownTxRow `json:"rows"`
	MalformedIDs []int64        `json:"malformed_ids"`
}

// BuildUnknownTxReport scans entries for UnknownTxMarker. Only entries seen
// within a day of now are counted, but the ids of malformed entries are
// collected from every entry. Rows are ordered WB, Ozon, Malformed, then
// anything else, each by count, highest first.
func BuildUnknownTxReport(entries []model.RawLogEntry, now time.Time) UnknownTxReport {
	r := UnknownTxReport{Date: now}
	cutoff := now.Add(-24 * time.Hour)
	index := make(map[UnknownTxRow]int)

	for _, e := range entries {
		if !strings.Contains(e.Text, UnknownTxMarker) {
			continue
		}
		r.Matched++
		row := classifyTx(e.Text)
		if row.Platform == PlatformMalformed {
			r.MalformedIDs = append(r.MalformedIDs, e.ID)
		}
		if e.Timestamp.Before(cutoff) {
			continue
		}
		i, ok := index[row]
		if !ok {
			i = len(r.Rows)
			index[row] = i
			r.Rows = append(r.Rows, row)
		}
		r.Rows[i].OneDay++
	}

	sort.SliceStable(r.Rows, func(i, j int) bool {
		a, b := rank(r.Rows[i].Platform), rank(r.Rows[j].Platform)
		if a != b {
			return a < b
		}
		return r.Rows[i].OneDay > r.Rows[j].OneDay
	})
	return r
}

func rank(platform string) int {
	if n, ok := platformOrder[platform]; ok {
		return n
	}
	return 99
}

// classifyTx returns the zero-count row key of one message.
func classifyTx(text string) UnknownTxRow {
	v := extractTxFields(text)
	doc := strings.TrimPrefix(v["doc_type_name"], "/")

	platform := PlatformUnknown
	switch {
	case v["supplier_oper_name"] != "":
		platform = PlatformWB
	case v["operation_type"] != "":
		platform = PlatformOzon
	case doc == "" && v["payment_processing"] == "" && v["bonus_type_name"] == "":
		platform = PlatformMalformed
	}
	return UnknownTxRow{
		Platform:          platform,
		DocType:           orDash(doc),
		OperationType:     orDash(v["operation_type_name"]),
		SupplierOperation: orDash(v["supplier_oper_name"]),
		PaymentProcessing: orDash(v["payment_processing"]),
		BonusType:         orDash(v["bonus_type_name"]),
	}
}

func orDash(s string) string {
	if s == "" {
		return PlatformUnknown
	}
	return s
}

// extractTxFields reads the transaction fields from the first JSON object
// embedded in text.
func extractTxFields(text string) map[string]string {
	obj := decodeEmbeddedObject(text)
	out := make(map[string]string, len(txFields))
	for _, f := range txFields {
		if s := fieldString(obj[f]); s != "" {
			out[f] = s
			continue
		}
		if m := txFieldExprs[f].FindStringSubmatch(text); m != nil {
			out[f] = m[1]
		}
	}
	return out
}

// decodeEmbeddedObject decodes the object starting at the first '{' and
// ending at its matching brace, or at the last '}' when braces do not
// balance. Unescaped backslashes, common in logged paths, are retried
// doubled. It returns nil when nothing decodes.
func decodeEmbeddedObject(text string) map[string]any {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil
	}
	end, depth := -1, 0
	for i := start; i < len(text) && end < 0; i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i + 1
			}
		}
	}
	if end < 0 {
		last := strings.LastIndexByte(text, '}')
		if last < start {
			return nil
		}
		end = last + 1
	}
	raw := text[start:end]
	if obj, ok := decodeObject(raw); ok {
		return obj
	}
	obj, _ := decodeObject(strings.ReplaceAll(raw, `\`, `\\`))
	return obj
}

func decodeObject(raw string) (map[string]any, bool) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	return obj, true
}

func fieldString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case bool:
		if x {
			return "True"
		}
		return "False"
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Table renders the report as stored rows, header first. Malformed rows
// carry the comma separated ids of every malformed entry.
func (r UnknownTxReport) Table() [][]string {
	ids := make([]string, len(r.MalformedIDs))
	for i, id := range r.MalformedIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	joined := strings.Join(ids, ", ")

	out := make([][]string, 0, len(r.Rows)+1)
	out = append(out, append([]string(nil), UnknownTxHeader...))
	for _, row := range r.Rows {
		malformed := ""
		if row.Platform == PlatformMalformed {
			malformed = joined
		}
		out = append(out, []string{
			row.Platform,
			row.DocType,
			row.OperationType,
			row.SupplierOperation,
			row.PaymentProcessing,
			row.BonusType,
			strconv.Itoa(row.OneDay),
			malformed,
		})
	}
	return out
}
