// Package version identifies the build.
package version

// Version is overridden at build time with
// -ldflags "-X github.com/johndauphine/oracle-mssql-migrate/internal/version.Version=...".
var Version = "0.1.0-dev"

// Name is the application name.
const Name = "oracle-mssql-migrate"

// Description is a short description of the application.
const Description = "Stream query results from Oracle into SQL Server"
