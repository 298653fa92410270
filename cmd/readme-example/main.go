package main

import (
	"context"
	"os"

	"github.com/c35s/virtguest/chrtestdev"
	"github.com/c35s/virtguest/guest"
	"github.com/c35s/virtguest/virtio"
)

func main() {
	be := chrtestdev.NewBackend()

	m, err := guest.New(guest.Config{
		Devices: []virtio.DeviceHandler{
			&virtio.Console{Out: be},
		},
	})

	if err != nil {
		panic(err)
	}

	dev, err := chrtestdev.Init(m, m.Mem())
	if err != nil {
		panic(err)
	}

	if err := dev.Exit(context.TODO(), 0); err != nil {
		panic(err)
	}

	code, err := be.Wait(context.TODO())
	if err != nil {
		panic(err)
	}

	if err := m.Close(); err != nil {
		panic(err)
	}

	os.Exit(code)
}
