package storage

import (
	"time"

	"github.com/didi/gendry/builder"

	"github.com/dshills/convsearch-mcp/pkg/types"
)

// filterWhere compiles SearchFilters into a gendry where map over the
// conversations table.
func filterWhere(f *types.SearchFilters) map[string]interface{} {
	where := map[string]interface{}{}
	if f.IsEmpty() {
		return where
	}
	if len(f.ProjectIDs) > 0 {
		where["_custom_projects"] = builder.In{"project_id": toInterfaces(f.ProjectIDs)}
	}
	if f.Tool != "" {
		where["tool"] = f.Tool
	}
	if f.MinMessages > 0 {
		where["message_count >="] = f.MinMessages
	}
	if f.HasCode != nil {
		where["has_code"] = boolToInt(*f.HasCode)
	}
	if dr := f.DateRange; dr != nil {
		if !dr.FromDate.IsZero() {
			where["updated_at >="] = toMillis(dr.FromDate)
		}
		if !dr.ToDate.IsZero() {
			where["updated_at <="] = toMillis(dr.ToDate)
		}
	}
	return where
}

// filterSubquery returns "SELECT id FROM conversations WHERE ..." for f.
// ok is false when f places no restriction.
func filterSubquery(f *types.SearchFilters) (sqlStr string, args []interface{}, ok bool, err error) {
	if f.IsEmpty() {
		return "", nil, false, nil
	}
	sqlStr, args, err = builder.BuildSelect("conversations", filterWhere(f), []string{"id"})
	if err != nil {
		return "", nil, false, err
	}
	return sqlStr, args, true, nil
}

func toInterfaces(ss []string) []interface{} {
	out := make([]interface{}, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

func int64sToInterfaces(ids []int64) []interface{} {
	out := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		out = append(out, id)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
