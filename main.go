package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sellmair/broadheart/ble"
	"github.com/sellmair/broadheart/ble/bluez"
	"github.com/sellmair/broadheart/ble/sim"
	"github.com/sellmair/broadheart/config"
	"github.com/sellmair/broadheart/group"
	"github.com/sellmair/broadheart/heart"
	"github.com/sellmair/broadheart/logger"
	"github.com/sellmair/broadheart/sensor"
	"github.com/sellmair/broadheart/server"
	"github.com/sellmair/broadheart/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "broadheart: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	me := heart.User{Id: heart.UserId(cfg.UserId), Name: cfg.UserName, IsMe: true}
	if me.Id == 0 {
		me.Id = randomUserId()
		logger.Info("main", "no user id configured, generated %d", me.Id)
	}
	if cfg.BirthYear > 0 {
		if err := st.SetBirthYear(ctx, me.Id, cfg.BirthYear); err != nil {
			return err
		}
	}

	groupCfg := group.DefaultConfig()
	groupCfg.InvalidationWindow = cfg.InvalidationWindow
	groupCfg.TickInterval = cfg.TickInterval
	groupCfg.LimitInterval = cfg.LimitInterval

	var central ble.Central
	var bus *sim.Bus
	switch cfg.Transport {
	case config.TransportBluez:
		central, err = bluez.New(cfg.Adapter)
		if err != nil {
			return err
		}
	default:
		bus = sim.NewBus()
		central = sim.NewCentral(bus)
	}

	svc := group.NewService(me, central, st, groupCfg)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	// Local sensor. The real capability boundary would plug in here; the
	// simulated one keeps the daemon alive end to end without hardware.
	local := sensor.NewSimulated(me, 72, 10, 2*time.Minute, time.Second)
	go local.Run(ctx)
	svc.AddSensor(local.Out())

	if bus != nil {
		spawnDemoPeers(ctx, bus, svc, st)
	}

	srv := server.New(svc, cfg.HTTPAddr)
	srv.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("main", "shutting down")
	srv.Stop()
	svc.Stop()
	cancel()
	return nil
}

// spawnDemoPeers puts two simulated group members on the bus: each
// advertises the identity service and streams heart-rate samples.
func spawnDemoPeers(ctx context.Context, bus *sim.Bus, svc *group.Service, st *store.Store) {
	demo := []struct {
		id   heart.UserId
		name string
		year int
		base heart.HeartRate
	}{
		{id: 1001, name: "Alice", year: 1992, base: 96},
		{id: 1002, name: "Bob", year: 1984, base: 121},
	}

	for _, peer := range demo {
		p := sim.NewPeripheral(peer.name, []string{ble.ServiceUUID})
		p.SetCharacteristic(ble.UserIdCharUUID, ble.EncodeUserId(int64(peer.id)))
		p.SetCharacteristic(ble.UserNameCharUUID, ble.EncodeUserName(peer.name))
		bus.Advertise(p)

		if err := st.SetBirthYear(ctx, peer.id, peer.year); err != nil {
			logger.Warn("main", "demo profile for %s: %v", peer.name, err)
		}

		user := heart.User{Id: peer.id, Name: peer.name}
		s := sensor.NewSimulated(user, peer.base, 14, 90*time.Second, time.Second)
		go s.Run(ctx)
		svc.AddSensor(s.Out())
	}
}

func randomUserId() heart.UserId {
	u := uuid.New()
	id := int64(binary.BigEndian.Uint64(u[:8]) & 0x7fffffffffffffff)
	if id == 0 {
		id = 1
	}
	return heart.UserId(id)
}
