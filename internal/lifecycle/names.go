package lifecycle

import "github.com/CSroseX/phasetrace/internal/pipeline"

// NameByMethodURL names the root span "<METHOD> <url>".
func NameByMethodURL(c *pipeline.Context) string {
	return c.Method() + " " + c.OriginalURL()
}

// NameByPath names the root span "<METHOD> <path>", dropping the query.
// Paired with Options.RenameOnRoute it is replaced by the route pattern
// once routing is done.
func NameByPath(c *pipeline.Context) string {
	return c.Method() + " " + c.Request.URL.Path
}
