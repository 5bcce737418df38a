// Package api holds the JSON types exchanged with pkgd over its socket.
package api

// Command kind wire names.
const (
	KindRefresh       = "refresh"
	KindInstall       = "install"
	KindRemove        = "remove"
	KindInstallMany   = "install_many"
	KindSystemUpgrade = "system_upgrade"
)

// Outcome wire names.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// InstallRequest names one package to install.
type InstallRequest struct {
	// Package is the package name.
	Package string `json:"package"`
}

// InstallManyRequest names packages to install in one transaction.
type InstallManyRequest struct {
	// Packages lists package names. Repeats are echoed on the completion
	// event but installed once.
	Packages []string `json:"packages"`
}

// RemoveRequest names one package to remove.
type RemoveRequest struct {
	// Package is the package name.
	Package string `json:"package"`
}

// SubmitResponse acknowledges an admitted command.
type SubmitResponse struct {
	// ID is the correlation id the completion event will carry. Empty when
	// the request was rejected.
	ID string `json:"id"`
}

// Update describes an upgradable package.
type Update struct {
	// Name is the package name.
	Name string `json:"name"`
	// Current is the installed version.
	Current string `json:"current,omitempty"`
	// Available is the repository version.
	Available string `json:"available,omitempty"`
}

// UpdatesResponse lists upgradable packages.
type UpdatesResponse struct {
	// Updates is empty when the system is current.
	Updates []Update `json:"updates"`
}

// ReadyResponse reports backend readiness.
type ReadyResponse struct {
	// Ready is true when the backend can accept work.
	Ready bool `json:"ready"`
}

// InstalledResponse reports whether a package is installed.
type InstalledResponse struct {
	// Package echoes the queried name.
	Package string `json:"package"`
	// Installed is true when the package is in the local database.
	Installed bool `json:"installed"`
}

// ExistsResponse reports whether a package exists in the repositories.
type ExistsResponse struct {
	// Package echoes the queried name.
	Package string `json:"package"`
	// Exists is true when a sync database provides the package.
	Exists bool `json:"exists"`
}

// CommandFinished is broadcast once per admitted command.
type CommandFinished struct {
	// ID is the correlation id returned at submission.
	ID string `json:"id"`
	// Kind is the command kind.
	Kind string `json:"kind"`
	// Packages is the package list as admitted.
	Packages []string `json:"packages"`
	// Outcome is "success" or "failure".
	Outcome string `json:"outcome"`
	// Error explains a failure.
	Error string `json:"error,omitempty"`
	// StartedAtUnixMilli is when the worker picked the command up.
	StartedAtUnixMilli int64 `json:"started_at_unix_ms,omitempty"`
	// FinishedAtUnixMilli is when the command completed.
	FinishedAtUnixMilli int64 `json:"finished_at_unix_ms"`
}

// Succeeded reports whether the command completed successfully.
func (e CommandFinished) Succeeded() bool { return e.Outcome == OutcomeSuccess }

// ErrorResponse is the error envelope for every non-2xx response.
type ErrorResponse struct {
	// ErrorCode is a stable identifier such as "forbidden".
	ErrorCode string `json:"error"`
	// Detail is human-readable context.
	Detail string `json:"detail,omitempty"`
	// ID is always empty; submitting endpoints return it so callers can
	// treat the body like a SubmitResponse.
	ID string `json:"id"`
}
