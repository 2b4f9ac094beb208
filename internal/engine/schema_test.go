package engine

import "testing"

func TestDeriveSchema(t *testing.T) {
	header := []string{
		StartColumnName,
		StopColumnName,
		"Wavemeter\nFrequency (THz)",
		"Beat\nOffset (MHz)",
		"LD\nTemp (C)",
		"LD\nCurrent (mA)",
		"PD\nSignal (mV)",
		"PZT\nVoltage (V)",
		"SHG\nPower (mW)",
		"Lock\nIsotope",
		"TA\nSeed",
		"Comment",
	}
	schema, err := DeriveSchema(header, DefaultKindRules())
	if err != nil {
		t.Fatal(err)
	}

	want := []struct {
		kind      Kind
		precision int
	}{
		{KindTime, 0}, {KindTime, 0},
		{KindNumeric, 7}, {KindNumeric, 3}, {KindNumeric, 3}, {KindNumeric, 1},
		{KindNumeric, 0}, {KindNumeric, 3}, {KindNumeric, 1}, {KindNumeric, 0},
		{KindNumeric, 1},
		{KindText, 0},
	}
	for i, w := range want {
		col := schema.Column(i)
		if col.Kind != w.kind || col.Precision != w.precision {
			t.Errorf("Column %q: expected %v/%d, got %v/%d", col.Name, w.kind, w.precision, col.Kind, col.Precision)
		}
	}

	if schema.StartColumn() != 0 || schema.StopColumn() != 1 {
		t.Errorf("Expected start/stop at 0/1, got %d/%d", schema.StartColumn(), schema.StopColumn())
	}
	if g := schema.Column(5).Group; g != "LD" {
		t.Errorf("Expected group LD, got %q", g)
	}
	groups := schema.Groups()
	if len(groups) != 10 || groups[0] != "Time" || groups[3] != "LD" {
		t.Errorf("Unexpected groups %q", groups)
	}
	if i, ok := schema.Index("Comment"); !ok || i != 11 {
		t.Errorf("Expected Comment at 11, got %d", i)
	}
}

func TestDeriveSchemaExactMatching(t *testing.T) {
	// Substrings do not count: "Timestamp" is no time group and
	// "Temperature" is not the Temp token.
	schema, err := DeriveSchema([]string{"Timestamp", "Temperature", "Comments"}, DefaultKindRules())
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < schema.Len(); i++ {
		col := schema.Column(i)
		if col.Kind != KindNumeric || col.Precision != 1 {
			t.Errorf("Column %q: expected numeric/1, got %v/%d", col.Name, col.Kind, col.Precision)
		}
	}
	if schema.StartColumn() != -1 {
		t.Error("Schema without time columns should have no start column")
	}
}

func TestDeriveSchemaDuplicate(t *testing.T) {
	if _, err := DeriveSchema([]string{"A", "B", "A"}, DefaultKindRules()); err == nil {
		t.Error("Expected error for duplicate column names")
	}
}
