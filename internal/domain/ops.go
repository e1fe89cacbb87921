package domain

// BasicOp 内置操作描述
type BasicOp struct {
	Name         string
	Description  string
	WithArgument bool
}

const (
	OpStart          = "start"
	OpShutdown       = "shutdown"
	OpSuspend        = "suspend"
	OpResume         = "resume"
	OpReboot         = "reboot"
	OpGetStatus      = "get_status"
	OpEnsureStatus   = "ensure_status"
	OpExecuteCommand = "execute_command"
)

// BasicOps is the closed set of built-in operations, in display order.
var BasicOps = []BasicOp{
	{OpStart, "Start the target machine.", false},
	{OpShutdown, "Shut down the target machine.", false},
	{OpSuspend, "Suspend the target machine.", false},
	{OpResume, "Wake the target machine up.", false},
	{OpReboot, "Reboot the target machine.", false},
	{OpGetStatus, "Get the status of the target machine.", false},
	{OpEnsureStatus, "Ensure the status of the target machine.", true},
	{OpExecuteCommand, "Execute the given command on the target machine.", true},
}

// LookupBasicOp finds a built-in operation by name.
func LookupBasicOp(name string) (BasicOp, bool) {
	for _, op := range BasicOps {
		if op.Name == name {
			return op, true
		}
	}
	return BasicOp{}, false
}
