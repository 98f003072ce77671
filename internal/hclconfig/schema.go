package hclconfig

import "github.com/hashicorp/hcl/v2"

// fileRoot is decoded from every file.
type fileRoot struct {
	Cluster []*clusterBlock `hcl:"cluster,block"`
	SSH     []*sshBlock     `hcl:"ssh,block"`
	Runtime []*runtimeBlock `hcl:"runtime,block"`
	Deploy  []*deployBlock  `hcl:"deploy,block"`
	Launch  []*launchBlock  `hcl:"launch,block"`
	Lease   []*leaseBlock   `hcl:"lease,block"`
	Events  []*eventsBlock  `hcl:"events,block"`
	Remain  hcl.Body        `hcl:",remain"`
}

type clusterBlock struct {
	Application string   `hcl:"application,optional"`
	User        string   `hcl:"user,optional"`
	Frontal     string   `hcl:"frontal,optional"`
	Nodes       []string `hcl:"nodes,optional"`
	NodeFile    string   `hcl:"node_file,optional"`
	Scheduler   bool     `hcl:"scheduler,optional"`
	Count       int      `hcl:"count,optional"`
	Timeout     string   `hcl:"timeout,optional"`
}

type sshBlock struct {
	Transport    string   `hcl:"transport,optional"`
	Command      string   `hcl:"command,optional"`
	Options      []string `hcl:"options,optional"`
	Port         int      `hcl:"port,optional"`
	RsyncCommand string   `hcl:"rsync_command,optional"`
}

type runtimeBlock struct {
	RequiredVersion  string `hcl:"required_version,optional"`
	Command          string `hcl:"command,optional"`
	InstalledCommand string `hcl:"installed_command,optional"`
	DownloadURL      string `hcl:"download_url,optional"`
	Archive          string `hcl:"archive,optional"`
	DownloadOptions  string `hcl:"download_options,optional"`
	MemoryFlag       string `hcl:"memory_flag,optional"`
	DebugFlag        string `hcl:"debug_flag,optional"`
	AssertionsFlag   string `hcl:"assertions_flag,optional"`
	SearchPathFlag   string `hcl:"search_path_flag,optional"`
}

type deployBlock struct {
	Name   string `hcl:"name,label"`
	Source string `hcl:"source"`
	Target string `hcl:"target,optional"`
}

type launchBlock struct {
	Bootstrap     string   `hcl:"bootstrap,optional"`
	Target        string   `hcl:"target,optional"`
	Args          []string `hcl:"args,optional"`
	MemoryMB      int      `hcl:"memory_mb,optional"`
	Debug         bool     `hcl:"debug,optional"`
	DebugPortBase int      `hcl:"debug_port_base,optional"`
	Assertions    bool     `hcl:"assertions,optional"`
	InProcess     bool     `hcl:"in_process,optional"`
	BinariesDir   string   `hcl:"binaries_dir,optional"`
	Grace         string   `hcl:"grace,optional"`
}

type leaseBlock struct {
	Duration   string `hcl:"duration"`
	WarnBefore string `hcl:"warn_before,optional"`
}

type eventsBlock struct {
	URL                string `hcl:"url"`
	Namespace          string `hcl:"namespace,optional"`
	InsecureSkipVerify bool   `hcl:"insecure_skip_verify,optional"`
}
