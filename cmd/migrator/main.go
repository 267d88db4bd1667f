// Package main is the migrator entrypoint.
//
// Configuration comes from an optional --config file plus MIGRATOR_*
// environment variables, e.g. MIGRATOR_SOURCE_ACCESS_TOKEN,
// MIGRATOR_DESTINATION_DATABASE_ID or MIGRATOR_MAPPING_DSN.
package main

import "github.com/JakeFAU/accurate-migrator/cmd"

func main() {
	cmd.Execute()
}
