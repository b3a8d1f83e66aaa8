package envelope

// Command tags what an envelope asks its receiver to do.
type Command string

// Commands understood by coordinators and workers.
const (
	// CommandBootstrap asks a freshly connected worker host to load an entry
	// point and its dependencies. Only used by stream transports.
	CommandBootstrap Command = "bootstrap"
	// CommandReady answers a successful bootstrap.
	CommandReady Command = "ready"

	CommandInit            Command = "init"
	CommandInitComplete    Command = "initComplete"
	CommandExecute         Command = "execute"
	CommandIntermediate    Command = "intermediate"
	CommandExecuteComplete Command = "executeComplete"

	// CommandError carries a worker-side failure of init or execute.
	CommandError Command = "error"
	// CommandRelay carries an inter-worker message routed by the coordinator.
	CommandRelay Command = "relay"
)

var commands = map[Command]bool{
	CommandBootstrap:       true,
	CommandReady:           true,
	CommandInit:            true,
	CommandInitComplete:    true,
	CommandExecute:         true,
	CommandIntermediate:    true,
	CommandExecuteComplete: true,
	CommandError:           true,
	CommandRelay:           true,
}

// Valid reports whether c is one of the enumerated commands.
func (c Command) Valid() bool {
	return commands[c]
}

func (c Command) String() string {
	return string(c)
}
