/*
Package runtime is berth's container runtime port: the Runtime interface and
its two adapters, DockerRuntime (Docker Engine API) and ContainerdRuntime.

The lifecycle orchestrator only talks to Runtime. Every adapter error is
coded with the runtime codes of pkg/errdefs so callers can tell a missing
daemon from a permission problem, a vanished container or a name conflict.

# Architecture

	┌──────────────── Runtime (interface) ────────────────┐
	│  images:     ListImages / HasImage / PullImage       │
	│  containers: Create / Start / Stop / Rename / Remove │
	│              Inspect / List (label match)            │
	│  volumes:    ListVolumes / RemoveVolume / Prune      │
	└───────────────┬──────────────────────┬───────────────┘
	                │                      │
	      ┌─────────▼────────┐   ┌─────────▼──────────┐
	      │  DockerRuntime   │   │ ContainerdRuntime  │
	      │  engine API      │   │ namespace "berth"  │
	      │  named volumes   │   │ DirVolumes         │
	      └──────────────────┘   └────────────────────┘

# Labels

Every container berth creates carries LabelManaged, LabelRepository and
LabelTag so it can be found again after a restart. Volume names mounted by a
container are recorded in LabelVolumes.

# Backend differences

Docker:
  - Names are real container names; rename is native.
  - Ports are published on 127.0.0.1 only.
  - Pull progress is the daemon's JSON message stream.
  - Volumes are Docker named volumes; prune includes named volumes.

Containerd:
  - Container ids are random uuids; the name lives in LabelName and a rename
    rewrites that label. A mutex keeps names unique.
  - Containers share the host network namespace.
  - Pull progress is synthesized from the image handler (layer announced)
    and a poller over active content ingestions (bytes downloaded).
  - Volumes are directories managed by DirVolumes, bind-mounted read-write.
    A volume is in use while any container lists it in LabelVolumes.

# Stopping

StopContainer is idempotent. containerd sends SIGTERM, escalates to SIGKILL
after the timeout and deletes the task; Docker does the same server-side.
*/
package runtime
