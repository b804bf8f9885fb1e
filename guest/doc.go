// Package guest implements the driver side of a split virtqueue inside
// simulated guest memory. It offers descriptor chains the way a guest kernel
// would and is used to exercise devices without a virtual machine.
package guest
