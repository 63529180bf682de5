package ev

// SQLQuery is the OneShot payload for a sql-target Request.
type SQLQuery struct {
	SQL  string
	Args []any
}

// SQLRow is what a sql Device attaches per returned row.
type SQLRow struct {
	Columns map[string]any
}
