package security

import "strconv"

// ContainerSecurityOptions are the docker hardening flags applied to the
// containers that run generated scripts.
type ContainerSecurityOptions struct {
	// DropCapabilities specifies Linux capabilities to drop
	DropCapabilities []string

	// AddCapabilities specifies Linux capabilities to add back
	AddCapabilities []string

	// SecurityOpts are passed as --security-opt
	SecurityOpts []string

	ReadOnlyRootFilesystem bool

	// PidsLimit caps the process count, 0 for no cap
	PidsLimit int

	// CPULimit sets --cpus (e.g. "1")
	CPULimit string

	// TmpfsSize mounts a writable /tmp of this size when the root
	// filesystem is read-only (e.g. "64m")
	TmpfsSize string
}

// ScriptContainerOptions returns the profile for generated scripts: no
// capabilities, no privilege escalation and a bounded process count. The
// root filesystem stays writable so scripts can pip install.
func ScriptContainerOptions() *ContainerSecurityOptions {
	return &ContainerSecurityOptions{
		DropCapabilities: []string{"ALL"},
		SecurityOpts:     []string{"no-new-privileges"},
		PidsLimit:        256,
		CPULimit:         "1",
	}
}

// ToDockerArgs converts the options to docker run arguments
func (o *ContainerSecurityOptions) ToDockerArgs() []string {
	if o == nil {
		return nil
	}
	var args []string

	for _, c := range o.DropCapabilities {
		args = append(args, "--cap-drop="+c)
	}
	for _, c := range o.AddCapabilities {
		args = append(args, "--cap-add="+c)
	}
	for _, opt := range o.SecurityOpts {
		args = append(args, "--security-opt="+opt)
	}

	if o.PidsLimit > 0 {
		args = append(args, "--pids-limit="+strconv.Itoa(o.PidsLimit))
	}
	if o.CPULimit != "" {
		args = append(args, "--cpus="+o.CPULimit)
	}

	if o.ReadOnlyRootFilesystem {
		args = append(args, "--read-only")
		if o.TmpfsSize != "" {
			args = append(args, "--tmpfs=/tmp:rw,size="+o.TmpfsSize)
		}
	}

	return args
}
