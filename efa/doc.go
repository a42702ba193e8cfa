// Package efa implements the RDMA transport core for Elastic Fabric Adapter
// style devices.
//
// A Context owns the per-device fabric resources (fabric, domain, address
// vector, completion queues) together with the registry of registered memory
// and the store of peer endpoints. An Endpoint owns the connection to one
// remote NIC, identified by a path of the form "<server>@<device>", and posts
// RDMA writes for batches of slices.
//
//	ctx := efa.NewContext(fi.NewProvider(), "rdmap0s6", efa.Options{ServerName: "10.0.0.1:12001"})
//	if err := ctx.Construct(efa.DefaultResourceConfig()); err != nil {
//		return err
//	}
//	defer ctx.Deconstruct()
//
//	ep, err := ctx.Endpoint("10.0.0.2:12001@rdmap0s6")
//	if err != nil {
//		return err
//	}
//	defer ep.Release()
//	pending, failed, err := ep.SubmitPostSend(reqCtx, slices)
package efa
