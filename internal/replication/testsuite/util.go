package testsuite

import (
	"fmt"
	"time"

	"github.com/snowflk/erpmirror/internal/replication"
)

// cycleExtraction builds two tables whose every row carries the cycle number,
// so a reader mixing two snapshots notices.
func cycleExtraction(cycle int, rows int) *replication.Extraction {
	ext := replication.NewExtraction(time.Now())
	ext.Token = fmt.Sprintf("v%d", cycle)
	for _, name := range []string{"PCCLIENT", "PCMOV"} {
		t := &replication.Table{
			Name:       name,
			PrimaryKey: []string{"ID"},
			Columns: []replication.Column{
				{Name: "ID", DatabaseType: "NUMBER"},
				{Name: "CYCLE", DatabaseType: "NUMBER"},
				{Name: "LABEL", DatabaseType: "VARCHAR2"},
			},
		}
		for i := 0; i < rows; i++ {
			t.Rows = append(t.Rows, []interface{}{int64(i + 1), int64(cycle), fmt.Sprintf("%s-%d-%d", name, cycle, i+1)})
		}
		ext.Add(t)
	}
	return ext
}
