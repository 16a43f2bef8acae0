package groupby

import "time"

// nowMillis is the query time used when a Request does not pin AtMillis.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
