package hclconfig

import (
	"fmt"

	"github.com/vk/clusterboot/internal/config"
)

// translate overlays the decoded blocks on config.Default.
func translate(root *fileRoot) (*config.Model, error) {
	m := config.Default()

	c, err := single("cluster", root.Cluster)
	if err != nil {
		return nil, err
	}
	if c != nil {
		setString(&m.Cluster.Application, c.Application)
		setString(&m.Cluster.User, c.User)
		setString(&m.Cluster.Frontal, c.Frontal)
		setString(&m.Cluster.NodeFile, c.NodeFile)
		setInt(&m.Cluster.Count, c.Count)
		m.Cluster.Scheduler = m.Cluster.Scheduler || c.Scheduler
		m.Cluster.Nodes = append(m.Cluster.Nodes, c.Nodes...)
		if err := duration("cluster.timeout", c.Timeout, &m.Cluster.Timeout); err != nil {
			return nil, err
		}
	}

	s, err := single("ssh", root.SSH)
	if err != nil {
		return nil, err
	}
	if s != nil {
		setString(&m.SSH.Transport, s.Transport)
		setString(&m.SSH.Command, s.Command)
		setString(&m.SSH.RsyncCommand, s.RsyncCommand)
		setInt(&m.SSH.Port, s.Port)
		if s.Options != nil {
			m.SSH.Options = append([]string{}, s.Options...)
		}
	}

	r, err := single("runtime", root.Runtime)
	if err != nil {
		return nil, err
	}
	if r != nil {
		setString(&m.Runtime.RequiredVersion, r.RequiredVersion)
		setString(&m.Runtime.Command, r.Command)
		setString(&m.Runtime.InstalledCommand, r.InstalledCommand)
		setString(&m.Runtime.DownloadURL, r.DownloadURL)
		setString(&m.Runtime.Archive, r.Archive)
		setString(&m.Runtime.DownloadOptions, r.DownloadOptions)
		setString(&m.Runtime.MemoryFlag, r.MemoryFlag)
		setString(&m.Runtime.DebugFlag, r.DebugFlag)
		setString(&m.Runtime.AssertionsFlag, r.AssertionsFlag)
		setString(&m.Runtime.SearchPathFlag, r.SearchPathFlag)
	}

	l, err := single("launch", root.Launch)
	if err != nil {
		return nil, err
	}
	if l != nil {
		setString(&m.Launch.Bootstrap, l.Bootstrap)
		setString(&m.Launch.Target, l.Target)
		setString(&m.Launch.BinariesDir, l.BinariesDir)
		setInt(&m.Launch.MemoryMB, l.MemoryMB)
		setInt(&m.Launch.DebugPortBase, l.DebugPortBase)
		m.Launch.Args = append(m.Launch.Args, l.Args...)
		m.Launch.Debug = l.Debug
		m.Launch.Assertions = l.Assertions
		m.Launch.InProcess = l.InProcess
		if err := duration("launch.grace", l.Grace, &m.Launch.Grace); err != nil {
			return nil, err
		}
	}

	lease, err := single("lease", root.Lease)
	if err != nil {
		return nil, err
	}
	if lease != nil {
		if err := duration("lease.duration", lease.Duration, &m.Lease.Duration); err != nil {
			return nil, err
		}
		if err := duration("lease.warn_before", lease.WarnBefore, &m.Lease.WarnBefore); err != nil {
			return nil, err
		}
	}

	e, err := single("events", root.Events)
	if err != nil {
		return nil, err
	}
	if e != nil {
		m.Events.URL = e.URL
		setString(&m.Events.Namespace, e.Namespace)
		m.Events.InsecureSkipVerify = e.InsecureSkipVerify
	}

	seen := make(map[string]struct{}, len(root.Deploy))
	for _, d := range root.Deploy {
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("deploy %q is defined more than once", d.Name)
		}
		seen[d.Name] = struct{}{}
		target := d.Target
		if target == "" {
			target = m.BinariesDir()
		}
		m.Deploy = append(m.Deploy, config.Deployment{Name: d.Name, Source: d.Source, Target: target})
	}

	return &m, nil
}
