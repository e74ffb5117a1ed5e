// Package migrations embeds the schema applied by `clinicsched-server migrate`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
