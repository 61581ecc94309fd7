package export

import (
	"bufio"
	"regexp"
	"strings"
)

// The tool logs one line per schema change it makes, either
//
//	Adding column age to table patient
//	Adding columns ['age', 'dob'] to table patient
//
// depending on version. Quoting of the column names also varies.
var addColumnRe = regexp.MustCompile(`Adding columns? (.+?) to table ['"]?([A-Za-z0-9_.-]+)['"]?`)

// ScanNewColumns extracts the column additions the tool reported while
// writing. Order follows the output; duplicates are dropped.
func ScanNewColumns(output string) []ColumnNotice {
	var notices []ColumnNotice
	seen := make(map[ColumnNotice]bool)

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := addColumnRe.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		table := m[2]
		for _, col := range splitColumnList(m[1]) {
			n := ColumnNotice{Table: table, Column: col}
			if seen[n] {
				continue
			}
			seen[n] = true
			notices = append(notices, n)
		}
	}
	return notices
}

func splitColumnList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	var cols []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `'"`)
		if part != "" {
			cols = append(cols, part)
		}
	}
	return cols
}
