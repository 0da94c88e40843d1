package enrich

import (
	"reflect"
	"testing"
	"time"

	"github.com/tinytelemetry/errtally/internal/model"
)

func TestClassifyTx(t *testing.T) {
	tests := []struct {
		name string
		text string
		want UnknownTxRow
	}{
		{
			name: "supplier means WB",
			text: `Unknown transaction type {"supplier_oper_name": "Возврат", "doc_type_name": "/Продажа"}`,
			want: UnknownTxRow{Platform: PlatformWB, DocType: "Продажа", OperationType: "-", SupplierOperation: "Возврат", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "operation type means Ozon",
			text: `Unknown transaction type {"operation_type": "OperationX", "operation_type_name": "Доставка"}`,
			want: UnknownTxRow{Platform: PlatformOzon, DocType: "-", OperationType: "Доставка", SupplierOperation: "-", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "numeric operation type",
			text: `Unknown transaction type {"operation_type": 5}`,
			want: UnknownTxRow{Platform: PlatformOzon, DocType: "-", OperationType: "-", SupplierOperation: "-", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "no fields is malformed",
			text: `Unknown transaction type, payload missing`,
			want: UnknownTxRow{Platform: PlatformMalformed, DocType: "-", OperationType: "-", SupplierOperation: "-", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "bare slash doc type is malformed",
			text: `Unknown transaction type {"doc_type_name": "/"}`,
			want: UnknownTxRow{Platform: PlatformMalformed, DocType: "-", OperationType: "-", SupplierOperation: "-", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "payment processing only",
			text: `Unknown transaction type {"payment_processing": "card"}`,
			want: UnknownTxRow{Platform: PlatformUnknown, DocType: "-", OperationType: "-", SupplierOperation: "-", PaymentProcessing: "card", BonusType: "-"},
		},
		{
			name: "unescaped backslash",
			text: `Unknown transaction type {"supplier_oper_name": "C:\path", "bonus_type_name": "b"}`,
			want: UnknownTxRow{Platform: PlatformWB, DocType: "-", OperationType: "-", SupplierOperation: `C:\path`, PaymentProcessing: "-", BonusType: "b"},
		},
		{
			name: "broken object falls back to quoted values",
			text: `Unknown transaction type {"operation_type": "op", "operation_type_name": "Name", oops}`,
			want: UnknownTxRow{Platform: PlatformOzon, DocType: "-", OperationType: "Name", SupplierOperation: "-", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "nested object and trailing brace",
			text: `Unknown transaction type {"meta": {"n": 1}, "supplier_oper_name": "S"} tail }`,
			want: UnknownTxRow{Platform: PlatformWB, DocType: "-", OperationType: "-", SupplierOperation: "S", PaymentProcessing: "-", BonusType: "-"},
		},
		{
			name: "empty value falls back to later text",
			text: `Unknown transaction type {"supplier_oper_name": ""} retry "supplier_oper_name": "Later"`,
			want: UnknownTxRow{Platform: PlatformWB, DocType: "-", OperationType: "-", SupplierOperation: "Later", PaymentProcessing: "-", BonusType: "-"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyTx(tt.text); got != tt.want {
				t.Errorf("classifyTx = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestBuildUnknownTxReport(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	wbA := `Unknown transaction type {"supplier_oper_name": "A"}`
	wbB := `Unknown transaction type {"supplier_oper_name": "B"}`
	ozon := `Unknown transaction type {"operation_type": "op"}`
	broken := `Unknown transaction type`
	other := `Unknown transaction type {"bonus_type_name": "bonus"}`
	entry := func(id int64, ago time.Duration, text string) model.RawLogEntry {
		return model.RawLogEntry{ID: id, Timestamp: now.Add(-ago), Text: text}
	}

	r := BuildUnknownTxReport([]model.RawLogEntry{
		entry(1, time.Hour, wbB),
		entry(2, 2*time.Hour, ozon),
		entry(3, 3*time.Hour, wbA),
		entry(4, 48*time.Hour, broken),
		entry(5, time.Hour, broken),
		entry(6, 0, "Database timeout"),
		entry(7, 5*time.Hour, wbA),
		entry(8, time.Hour, other),
		entry(9, 25*time.Hour, wbB),
		entry(10, time.Hour, other),
	}, now)

	if r.Matched != 9 {
		t.Errorf("matched = %d, want 9", r.Matched)
	}
	if !reflect.DeepEqual(r.MalformedIDs, []int64{4, 5}) {
		t.Errorf("malformed ids = %v", r.MalformedIDs)
	}

	var got []string
	for _, row := range r.Rows {
		got = append(got, row.Platform+"/"+row.SupplierOperation+"/"+row.BonusType)
	}
	want := []string{"WB/A/-", "WB/B/-", "Ozon/-/-", "Malformed/-/-", "-/-/bonus"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
	counts := []int{r.Rows[0].OneDay, r.Rows[1].OneDay, r.Rows[2].OneDay, r.Rows[3].OneDay, r.Rows[4].OneDay}
	if !reflect.DeepEqual(counts, []int{2, 1, 1, 1, 2}) {
		t.Errorf("counts = %v", counts)
	}

	table := r.Table()
	if len(table) != 6 || !reflect.DeepEqual(table[0], UnknownTxHeader) {
		t.Fatalf("table = %v", table)
	}
	if table[4][0] != PlatformMalformed || table[4][7] != "4, 5" {
		t.Errorf("malformed row = %v", table[4])
	}
	if table[1][6] != "2" || table[1][7] != "" {
		t.Errorf("first row = %v", table[1])
	}
}

func TestBuildUnknownTxReportOldEntriesOnly(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	r := BuildUnknownTxReport([]model.RawLogEntry{
		{ID: 7, Timestamp: now.Add(-30 * time.Hour), Text: "Unknown transaction type"},
		{ID: 8, Timestamp: now.Add(-40 * time.Hour), Text: `Unknown transaction type {"supplier_oper_name": "A"}`},
	}, now)
	if len(r.Rows) != 0 {
		t.Errorf("rows = %+v, want none", r.Rows)
	}
	if !reflect.DeepEqual(r.MalformedIDs, []int64{7}) {
		t.Errorf("malformed ids = %v", r.MalformedIDs)
	}
	if table := r.Table(); len(table) != 1 {
		t.Errorf("table = %v, want header only", table)
	}
}
