package apps

import (
	"fmt"

	"github.com/hsanjuan/go-nfctype4/apdu"
)

// App represents an application, in charge of handling a given AppID and a set of commands.
// An App accepts the data field of a command APDU in input, and returns a response body for
// the USB host along with an error.
// Errors are reported to the host as a status word, Handler takes care of that: the error
// itself must only be logged.
type App interface {
	Name() string
	ID() byte
	Commands() (commandIDs []byte)
	Handle(command byte, data []byte) (response []byte, err error)
}

type commandMapping struct {
	appID   byte
	command byte
}

// Handler keeps track of all the supported apps, and their commands.
type Handler struct {
	appMap        map[byte]App
	commandAppMap map[commandMapping]struct{}
}

func NewHandler() *Handler {
	return &Handler{
		appMap:        map[byte]App{},
		commandAppMap: map[commandMapping]struct{}{},
	}
}

func (h Handler) mappingExists(appID byte) bool {
	_, exists := h.appMap[appID]
	return exists
}

func (h Handler) commandAppMappingExists(appID, command byte) bool {
	_, exists := h.commandAppMap[commandMapping{
		appID:   appID,
		command: command,
	}]

	return exists
}

// Register registers apps into h.
// If an app was already registered, an error will be returned.
func (h *Handler) Register(apps ...App) error {
	for _, app := range apps {
		appID := app.ID()
		cmds := app.Commands()

		if h.mappingExists(appID) {
			return fmt.Errorf("mapping for %s already exists", app.Name())
		}

		h.appMap[appID] = app

		for _, cmd := range cmds {
			h.commandAppMap[commandMapping{
				appID:   appID,
				command: cmd,
			}] = struct{}{}
		}
	}

	return nil
}

// Handle decodes packet as a command APDU and routes it to the appropriate app handler.
// It always returns a response APDU for the USB host, and an error which if present, should
// be logged.
func (h *Handler) Handle(packet []byte) ([]byte, error) {
	c := apdu.CAPDU{}
	if _, err := c.Unmarshal(packet); err != nil {
		return PackageResponse(nil, APDUWrongLength), fmt.Errorf("malformed command apdu, %w", err)
	}

	appID := c.CLA
	command := c.INS

	if !h.mappingExists(appID) {
		return PackageResponse(nil, APDUCLANotSupported), fmt.Errorf("appID %v not supported", appID)
	}

	if !h.commandAppMappingExists(appID, command) {
		return PackageResponse(nil, APDUINSNotSupported), fmt.Errorf("command ID %v not supported in app %v", command, appID)
	}

	app := h.appMap[appID]

	resp, err := app.Handle(command, c.Data)
	if err != nil {
		return PackageResponse(nil, CodeFor(err)), fmt.Errorf("%s: %w", app.Name(), err)
	}

	return PackageResponse(resp, APDUSuccess), nil
}
