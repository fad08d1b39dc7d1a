package destinations

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

const (
	spreadsheetMimeType = "application/vnd.google-apps.spreadsheet"

	// New tabs start with the same grid the original spreadsheet used.
	// INSERT_ROWS appends grow it as needed.
	defaultTabRows    = 100
	defaultTabColumns = 20
)

var sheetsScopes = []string{
	sheets.SpreadsheetsScope,
	drive.DriveScope,
}

// Sheets stores archived rows in Google Sheets. A workbook is a spreadsheet
// located by exact name through Drive, a table is a tab inside it.
type Sheets struct {
	drive  *drive.Service
	sheets *sheets.Service
}

// NewSheets builds Drive and Sheets clients. credentialsJSON is a service
// account key; when empty the caller must supply authentication through opts.
func NewSheets(ctx context.Context, credentialsJSON []byte, opts ...option.ClientOption) (*Sheets, error) {
	clientOpts := make([]option.ClientOption, 0, len(opts)+1)
	if len(credentialsJSON) > 0 {
		creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, sheetsScopes...)
		if err != nil {
			return nil, fmt.Errorf("failed to parse service account credentials: %w", err)
		}
		clientOpts = append(clientOpts, option.WithCredentials(creds))
	}
	clientOpts = append(clientOpts, opts...)

	driveSvc, err := drive.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive client: %w", err)
	}
	sheetsSvc, err := sheets.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets client: %w", err)
	}

	return &Sheets{drive: driveSvc, sheets: sheetsSvc}, nil
}

// OpenWorkbook finds a non-trashed spreadsheet with exactly this name. When
// several match, the oldest wins so repeated runs keep using the same one.
func (s *Sheets) OpenWorkbook(ctx context.Context, name string) (Workbook, error) {
	query := fmt.Sprintf("name = '%s' and mimeType = '%s' and trashed = false",
		escapeDriveQuery(name), spreadsheetMimeType)

	res, err := s.drive.Files.List().
		Q(query).
		OrderBy("createdTime").
		PageSize(10).
		Fields("files(id,name)").
		SupportsAllDrives(true).
		IncludeItemsFromAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return Workbook{}, fmt.Errorf("failed to search for spreadsheet %q: %w", name, err)
	}
	if len(res.Files) == 0 {
		return Workbook{}, fmt.Errorf("%w: %s", ErrWorkbookNotFound, name)
	}

	return Workbook{ID: res.Files[0].Id, Name: res.Files[0].Name}, nil
}

// CreateWorkbook creates an empty spreadsheet. location is an optional Drive
// folder id.
func (s *Sheets) CreateWorkbook(ctx context.Context, name, location string) (Workbook, error) {
	file := &drive.File{
		Name:     name,
		MimeType: spreadsheetMimeType,
	}
	if location != "" {
		file.Parents = []string{location}
	}

	created, err := s.drive.Files.Create(file).
		Fields("id,name").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return Workbook{}, fmt.Errorf("failed to create spreadsheet %q: %w", name, err)
	}

	return Workbook{ID: created.Id, Name: created.Name}, nil
}

// GrantAccess shares the spreadsheet with a user without sending a
// notification email.
func (s *Sheets) GrantAccess(ctx context.Context, wb Workbook, principal, role string) error {
	perm := &drive.Permission{
		Type:         "user",
		Role:         role,
		EmailAddress: principal,
	}

	_, err := s.drive.Permissions.Create(wb.ID, perm).
		SendNotificationEmail(false).
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to share spreadsheet %q with %s: %w", wb.Name, principal, err)
	}
	return nil
}

// OpenTable finds a tab by title.
func (s *Sheets) OpenTable(ctx context.Context, wb Workbook, name string) (Table, error) {
	ss, err := s.sheets.Spreadsheets.Get(wb.ID).
		Fields("sheets.properties(sheetId,title)").
		Context(ctx).
		Do()
	if err != nil {
		if isNotFound(err) {
			return Table{}, fmt.Errorf("%w: %s", ErrWorkbookNotFound, wb.Name)
		}
		return Table{}, fmt.Errorf("failed to read spreadsheet %q: %w", wb.Name, err)
	}

	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == name {
			return Table{Workbook: wb, ID: sh.Properties.SheetId, Name: name}, nil
		}
	}

	return Table{}, fmt.Errorf("%w: %s in %s", ErrTableNotFound, name, wb.Name)
}

// CreateTable adds a new tab and writes header into its first row. Both
// requests go in one batch, which the service applies atomically, so a tab
// without its header is never left behind.
func (s *Sheets) CreateTable(ctx context.Context, wb Workbook, name string, header []string) (Table, error) {
	sheetID := tabID(name)

	columns := int64(defaultTabColumns)
	if n := int64(len(header)); n > columns {
		columns = n
	}

	cells := make([]*sheets.CellData, len(header))
	for i, h := range header {
		cells[i] = &sheets.CellData{UserEnteredValue: &sheets.ExtendedValue{StringValue: &h}}
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{
						SheetId: sheetID,
						Title:   name,
						GridProperties: &sheets.GridProperties{
							RowCount:    defaultTabRows,
							ColumnCount: columns,
						},
					},
				},
			},
			{
				UpdateCells: &sheets.UpdateCellsRequest{
					Start:  &sheets.GridCoordinate{SheetId: sheetID},
					Rows:   []*sheets.RowData{{Values: cells}},
					Fields: "userEnteredValue",
				},
			},
		},
	}

	resp, err := s.sheets.Spreadsheets.BatchUpdate(wb.ID, req).Context(ctx).Do()
	if err != nil {
		return Table{}, fmt.Errorf("failed to add tab %q to %q: %w", name, wb.Name, err)
	}

	table := Table{Workbook: wb, ID: sheetID, Name: name}
	if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil && resp.Replies[0].AddSheet.Properties != nil {
		table.ID = resp.Replies[0].AddSheet.Properties.SheetId
	}
	return table, nil
}

// tabID derives a positive sheet id from the tab title. Zero is avoided
// because it is dropped from requests and would address the first tab.
func tabID(name string) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	id := int64(h.Sum32() & 0x7fffffff)
	if id == 0 {
		id = 1
	}
	return id
}

// AppendRows appends after the last row of the tab. The call only counts as
// confirmed when the service reports every row as written.
func (s *Sheets) AppendRows(ctx context.Context, t Table, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}

	values := make([][]interface{}, len(rows))
	for i, row := range rows {
		cells := make([]interface{}, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		values[i] = cells
	}

	resp, err := s.sheets.Spreadsheets.Values.Append(t.Workbook.ID, a1Range(t.Name), &sheets.ValueRange{
		MajorDimension: "ROWS",
		Values:         values,
	}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append %d rows to %s/%s: %w", len(rows), t.Workbook.Name, t.Name, err)
	}

	if resp.Updates == nil || resp.Updates.UpdatedRows != int64(len(rows)) {
		var got int64
		if resp.Updates != nil {
			got = resp.Updates.UpdatedRows
		}
		return fmt.Errorf("%w: sent %d rows, service reported %d", ErrAmbiguousAppend, len(rows), got)
	}

	return nil
}

// escapeDriveQuery escapes a literal for the Drive files.list query language
func escapeDriveQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}

// a1Range addresses a whole tab by title
func a1Range(title string) string {
	return "'" + strings.ReplaceAll(title, "'", "''") + "'"
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
