// Package sheets stores the raw log table and the group table in a Google
// Sheets spreadsheet.
package sheets

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/option"
	gsheets "google.golang.org/api/sheets/v4"

	"github.com/tinytelemetry/errtally/internal/model"
)

const (
	DefaultGroupsTitle = "Groups"
	DefaultRawTitle    = "Original data"
	DefaultReportTitle = "Unknown tx"

	// Cells are written as typed, never parsed as formulas.
	valueInput = "RAW"
)

// Config selects the spreadsheet and how to reach it.
type Config struct {
	SpreadsheetID   string
	CredentialsFile string
	GroupsTitle     string
	RawTitle        string

	// Options are appended to the client options, e.g. option.WithEndpoint
	// in tests.
	Options []option.ClientOption
}

// Client talks to one spreadsheet.
type Client struct {
	svc           *gsheets.Service
	spreadsheetID string
	groupsTitle   string
	rawTitle      string

	mu       sync.Mutex
	sheetIDs map[string]int64
}

// New creates a Sheets client. CredentialsFile is a service account key;
// when empty the application default credentials are used.
func New(ctx context.Context, conf Config) (*Client, error) {
	if conf.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets: spreadsheet id is required")
	}
	var opts []option.ClientOption
	if conf.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(conf.CredentialsFile))
	}
	opts = append(opts, option.WithScopes(gsheets.SpreadsheetsScope))
	opts = append(opts, conf.Options...)

	svc, err := gsheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets: create service: %w", err)
	}
	c := &Client{
		svc:           svc,
		spreadsheetID: conf.SpreadsheetID,
		groupsTitle:   conf.GroupsTitle,
		rawTitle:      conf.RawTitle,
		sheetIDs:      make(map[string]int64),
	}
	if c.groupsTitle == "" {
		c.groupsTitle = DefaultGroupsTitle
	}
	if c.rawTitle == "" {
		c.rawTitle = DefaultRawTitle
	}
	return c, nil
}

// Groups returns the group table worksheet.
func (c *Client) Groups() *GroupTable {
	return &GroupTable{c: c, title: c.groupsTitle}
}

// RawLogs returns the raw log worksheet.
func (c *Client) RawLogs() *RawLogTable {
	return &RawLogTable{c: c, title: c.rawTitle}
}

// Report returns the worksheet called title as a report table. An empty
// title selects DefaultReportTitle.
func (c *Client) Report(title string) *ReportTable {
	if title == "" {
		title = DefaultReportTitle
	}
	return &ReportTable{c: c, title: title}
}

// readAll returns every row of the worksheet as strings. Trailing empty
// rows are not returned by the API.
func (c *Client) readAll(ctx context.Context, title string) ([][]string, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, title).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets: read %q: %w", title, err)
	}
	out := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		out[i] = cells
	}
	return out, nil
}

func (c *Client) headerEmpty(ctx context.Context, title string) (bool, error) {
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, title+"!1:1").Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("sheets: read %q header: %w", title, err)
	}
	for _, row := range resp.Values {
		for _, v := range row {
			if strings.TrimSpace(fmt.Sprint(v)) != "" {
				return false, nil
			}
		}
	}
	return true, nil
}

// write overwrites rows starting at the 1-based sheet row.
func (c *Client) write(ctx context.Context, title string, row int, rows [][]string) error {
	vr := &gsheets.ValueRange{Values: toValues(rows)}
	_, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, cellRef(title, row), vr).
		ValueInputOption(valueInput).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets: write %q: %w", title, err)
	}
	return nil
}

func (c *Client) appendRows(ctx context.Context, title string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	vr := &gsheets.ValueRange{Values: toValues(rows)}
	_, err := c.svc.Spreadsheets.Values.Append(c.spreadsheetID, title, vr).
		ValueInputOption(valueInput).InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets: append to %q: %w", title, err)
	}
	return nil
}

func (c *Client) clear(ctx context.Context, title string) error {
	_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, title, &gsheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets: clear %q: %w", title, err)
	}
	return nil
}

// sheetID resolves a worksheet title to its numeric id, which structural
// requests such as row deletion need.
func (c *Client) sheetID(ctx context.Context, title string) (int64, error) {
	id, ok, err := c.lookupSheet(ctx, title)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("sheets: no worksheet titled %q", title)
	}
	return id, nil
}

func (c *Client) lookupSheet(ctx context.Context, title string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.sheetIDs[title]; ok {
		return id, true, nil
	}
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties").Context(ctx).Do()
	if err != nil {
		return 0, false, fmt.Errorf("sheets: load spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil {
			c.sheetIDs[sh.Properties.Title] = sh.Properties.SheetId
		}
	}
	id, ok := c.sheetIDs[title]
	return id, ok, nil
}

// ensureSheet adds the worksheet when the spreadsheet has none by that title.
func (c *Client) ensureSheet(ctx context.Context, title string) error {
	_, ok, err := c.lookupSheet(ctx, title)
	if err != nil || ok {
		return err
	}
	log.Printf("sheets: adding worksheet %q", title)
	req := &gsheets.BatchUpdateSpreadsheetRequest{Requests: []*gsheets.Request{{
		AddSheet: &gsheets.AddSheetRequest{Properties: &gsheets.SheetProperties{Title: title}},
	}}}
	resp, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets: add worksheet %q: %w", title, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, reply := range resp.Replies {
		if reply.AddSheet != nil && reply.AddSheet.Properties != nil {
			c.sheetIDs[title] = reply.AddSheet.Properties.SheetId
		}
	}
	return nil
}

func cellRef(title string, row int) string {
	return title + "!A" + strconv.Itoa(row)
}

func toValues(rows [][]string) [][]interface{} {
	out := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, v := range row {
			cells[j] = v
		}
		out[i] = cells
	}
	return out
}

// GroupTable is a model.GroupStore over one worksheet. Position p is sheet
// row p+1.
type GroupTable struct {
	c     *Client
	title string
}

func (t *GroupTable) EnsureHeader(ctx context.Context) error {
	empty, err := t.c.headerEmpty(ctx, t.title)
	if err != nil || !empty {
		return err
	}
	log.Printf("sheets: seeding header of %q", t.title)
	return t.c.write(ctx, t.title, 1, [][]string{model.GroupColumns})
}

func (t *GroupTable) ReadAll(ctx context.Context) ([][]string, error) {
	return t.c.readAll(ctx, t.title)
}

func (t *GroupTable) InsertRows(ctx context.Context, rows [][]string) error {
	return t.c.appendRows(ctx, t.title, rows)
}

// UpdateRows overwrites all rows in one batchUpdate call.
func (t *GroupTable) UpdateRows(ctx context.Context, updates []model.RowUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	req := &gsheets.BatchUpdateValuesRequest{ValueInputOption: valueInput}
	for _, u := range updates {
		req.Data = append(req.Data, &gsheets.ValueRange{
			Range:  cellRef(t.title, u.Position+1),
			Values: toValues([][]string{u.Values}),
		})
	}
	if _, err := t.c.svc.Spreadsheets.Values.BatchUpdate(t.c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("sheets: update %d rows of %q: %w", len(updates), t.title, err)
	}
	return nil
}

// DeleteRow removes the sheet row so the rows below shift up.
func (t *GroupTable) DeleteRow(ctx context.Context, position int) error {
	if position < 1 {
		return fmt.Errorf("sheets: refusing to delete row %d of %q", position, t.title)
	}
	id, err := t.c.sheetID(ctx, t.title)
	if err != nil {
		return err
	}
	req := &gsheets.BatchUpdateSpreadsheetRequest{Requests: []*gsheets.Request{{
		DeleteDimension: &gsheets.DeleteDimensionRequest{Range: &gsheets.DimensionRange{
			SheetId:    id,
			Dimension:  "ROWS",
			StartIndex: int64(position),
			EndIndex:   int64(position) + 1,
		}},
	}}}
	if _, err := t.c.svc.Spreadsheets.BatchUpdate(t.c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("sheets: delete row %d of %q: %w", position, t.title, err)
	}
	return nil
}

func (t *GroupTable) Clear(ctx context.Context) error {
	return t.c.clear(ctx, t.title)
}

// RawLogTable is a model.RawLogStore over one worksheet with the header
// ID, Date, Text.
type RawLogTable struct {
	c     *Client
	title string
}

func (t *RawLogTable) AppendAll(ctx context.Context, entries []model.RawLogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	empty, err := t.c.headerEmpty(ctx, t.title)
	if err != nil {
		return err
	}
	if empty {
		if err := t.c.write(ctx, t.title, 1, [][]string{model.RawLogColumns}); err != nil {
			return err
		}
	}
	return t.c.appendRows(ctx, t.title, rawRows(entries))
}

// ReadAll parses every data row. Rows with a bad id or date are skipped
// with a warning.
func (t *RawLogTable) ReadAll(ctx context.Context) ([]model.RawLogEntry, error) {
	rows, err := t.c.readAll(ctx, t.title)
	if err != nil {
		return nil, err
	}
	var out []model.RawLogEntry
	for i, row := range rows {
		if i == 0 || model.IsBlankRow(row) {
			continue
		}
		e, err := parseRawRow(row)
		if err != nil {
			log.Printf("sheets: skipping %q row %d: %v", t.title, i+1, err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ReplaceAll clears the worksheet and writes the header and entries.
func (t *RawLogTable) ReplaceAll(ctx context.Context, entries []model.RawLogEntry) error {
	if err := t.c.clear(ctx, t.title); err != nil {
		return err
	}
	rows := append([][]string{model.RawLogColumns}, rawRows(entries)...)
	return t.c.write(ctx, t.title, 1, rows)
}

func (t *RawLogTable) Clear(ctx context.Context) error {
	return t.c.clear(ctx, t.title)
}

func rawRows(entries []model.RawLogEntry) [][]string {
	rows := make([][]string, len(entries))
	for i, e := range entries {
		rows[i] = []string{
			strconv.FormatInt(e.ID, 10),
			e.Timestamp.UTC().Format(model.LastSeenLayout),
			e.Text,
		}
	}
	return rows
}

func parseRawRow(row []string) (model.RawLogEntry, error) {
	if len(row) < 3 {
		return model.RawLogEntry{}, fmt.Errorf("truncated row with %d cells", len(row))
	}
	id, err := strconv.ParseInt(strings.TrimSpace(row[0]), 10, 64)
	if err != nil {
		return model.RawLogEntry{}, fmt.Errorf("bad id %q", row[0])
	}
	ts, err := parseDate(strings.TrimSpace(row[1]))
	if err != nil {
		return model.RawLogEntry{}, fmt.Errorf("bad date %q", row[1])
	}
	return model.RawLogEntry{ID: id, Timestamp: ts, Text: row[2]}, nil
}

func parseDate(s string) (time.Time, error) {
	if ts, err := time.ParseInLocation(model.LastSeenLayout, s, time.UTC); err == nil {
		return ts, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

// ReportTable is a model.ReportStore over one worksheet, created on first
// write when missing.
type ReportTable struct {
	c     *Client
	title string
}

// ReplaceRows clears the worksheet and writes rows from A1.
func (t *ReportTable) ReplaceRows(ctx context.Context, rows [][]string) error {
	if err := t.c.ensureSheet(ctx, t.title); err != nil {
		return err
	}
	if err := t.c.clear(ctx, t.title); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	return t.c.write(ctx, t.title, 1, rows)
}

func (t *ReportTable) ReadAll(ctx context.Context) ([][]string, error) {
	return t.c.readAll(ctx, t.title)
}
