/*
Package flashnbd manages cached network block attachments of virtual machine
images and moves running machines between hosts.

Data Model

An Instance is a virtual machine whose disk image lives on a shared
filesystem. Its definition comes from a YAML file in the instance directory
or from the store, and its node is the host it currently runs on.

A DeviceAllocation binds an instance to one nbd slot of a host and to the
SSD volume caching it. Bindings survive stops so a restarted instance gets
its old cache back. Slots are claimed in the store before the binding is
written, so concurrent allocators on one host never share a device.

A ProcessRegistration records the process serving an attachment, so stale
attachments can be told apart from live ones.

Operations

The Manager starts, stops, removes and tunes instances on the local host by
running qemu-nbd, lvm, flashcache and dmsetup tools and writing flashcache
sysctls.

The Orchestrator live migrates a running instance to another host in fixed
phases: the destination brings up its own cache, the source cache stops
caching and drains, the hypervisor migrates the domain, then the source cache
is torn down. Failed sessions are reported with the phase they stopped at and
are not rolled back.

PingPong repeats migrations between two hosts for burn-in testing.

All state lives in a kv store under the flashnbd/ prefix.
*/
package flashnbd
