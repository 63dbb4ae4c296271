package errors

type ExitCode int

const (
	GenericFailureExitCode ExitCode = 1

	// Startup failures
	ConfigFailureExitCode    ExitCode = 70
	StoreOpenFailureExitCode ExitCode = 71
	QueueLoadFailureExitCode ExitCode = 72
	ListenFailureExitCode    ExitCode = 73

	// Admin CLI failures
	AdminRequestFailureExitCode ExitCode = 80
	AdminBadResponseExitCode    ExitCode = 81

	ServeFailureExitCode ExitCode = 100
)
