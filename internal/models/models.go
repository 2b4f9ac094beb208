package models

type LogbookSummary struct {
	Name     string  `json:"name"`
	File     string  `json:"file"`
	Rows     int     `json:"rows"`
	Modified bool    `json:"modified"`
	InUse    bool    `json:"in_use"`
	Hours    float64 `json:"hours"`
	Days     float64 `json:"days"`
}

type LogbookDetail struct {
	LogbookSummary
	Columns []ColumnInfo `json:"columns"`
}

type ColumnInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	Group     string `json:"group"`
	Kind      string `json:"kind"`
	Precision int    `json:"precision"`
	Source    string `json:"source,omitempty"`
}

type RowsPage struct {
	Data   [][]string `json:"data"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

type CellUpdate struct {
	Value string `json:"value"`
}

type SourceInfo struct {
	Column    int    `json:"column"`
	Name      string `json:"name"`
	Source    string `json:"source"`
	Connected bool   `json:"connected"`
}

type AutofillReport struct {
	Filled      []string `json:"filled"`
	Skipped     []string `json:"skipped"`
	Unavailable []string `json:"unavailable"`
}

type SaveResult struct {
	File string `json:"file"`
	Rows int    `json:"rows"`
}
