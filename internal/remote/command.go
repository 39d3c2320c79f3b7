package remote

import (
	"strings"

	"github.com/alessio/shellescape"
)

// Command is one program invocation on the remote host. Commands are never
// concatenated into a single shell line; each runs in its own session.
type Command struct {
	// Name identifies the command within its stage. Retries skip names that
	// already completed.
	Name string
	Args []string
	// Stdin is fed to the process and never appears in logs or the command line.
	Stdin string
	// Mutates marks commands that change remote state.
	Mutates bool
	// IgnoreExit accepts a non-zero exit status as success.
	IgnoreExit bool
}

// Line is the quoted command line sent over the session.
func (c Command) Line() string {
	return shellescape.QuoteCommand(c.Args)
}

func (c Command) String() string {
	return c.Name + ": " + c.Line()
}

// Result is the outcome of one command.
type Result struct {
	Name     string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output joins stdout and stderr for diagnostics.
func (r Result) Output() string {
	var b strings.Builder
	b.WriteString(r.Stdout)
	if r.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(r.Stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(r.Stderr)
	}
	return b.String()
}

// Login authenticates the host's docker daemon. The password travels on stdin.
func Login(server, username, password string) Command {
	return Command{
		Name:  "login",
		Args:  []string{"docker", "login", "--username", username, "--password-stdin", server},
		Stdin: password,
	}
}

// Pull fetches an image, normally pinned by digest.
func Pull(ref string) Command {
	return Command{Name: "pull", Args: []string{"docker", "pull", ref}}
}

// Stop stops a running container.
func Stop(container string) Command {
	return Command{Name: "stop", Args: []string{"docker", "stop", container}, Mutates: true}
}

// Remove deletes a stopped container.
func Remove(container string) Command {
	return Command{Name: "rm", Args: []string{"docker", "rm", container}, Mutates: true}
}

// ForceRemove deletes a container whether or not it is running. Missing
// containers are not an error.
func ForceRemove(name, container string) Command {
	return Command{
		Name:       name,
		Args:       []string{"docker", "rm", "-f", container},
		Mutates:    true,
		IgnoreExit: true,
	}
}

// Run starts a detached container and prints its id.
func Run(name, container, image string, runArgs []string) Command {
	args := []string{"docker", "run", "-d", "--name", container}
	args = append(args, runArgs...)
	args = append(args, image)
	return Command{Name: name, Args: args, Mutates: true}
}

// InspectImage checks an image is present locally and prints its id.
func InspectImage(ref string) Command {
	return Command{
		Name: "image-inspect",
		Args: []string{"docker", "image", "inspect", "--format", "{{.Id}}", ref},
	}
}
