package main

import (
	"context"
	"flag"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/comms"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/config"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/presence"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/room"
	"github.com/JJ-Intelligence/SR-Maps-Backend/pkg/route"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

var (
	configPath     = flag.String("config", "", "Optional YAML config file (CONFIG_PATH)")
	serverURL      = flag.String("server", "", "Websocket URL of the room server (SERVER_URL)")
	roomArg        = flag.String("room", "", "Room id, or a share link ending in /room/<id>")
	position       = flag.String("position", "", "Position to report as lat,lng. Without it no location is shared")
	target         = flag.String("target", "", "Member id to route to")
	routingService = flag.String("routingService", "", "Base URL of the routing service (ROUTING_SERVICE_URL)")
)

func flagOrEnv(value *string, key, def string) string {
	if *value != "" {
		return *value
	}
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return def
}

// parseRoom accepts either a bare room id or a link to one.
func parseRoom(arg string) (string, error) {
	if !strings.Contains(arg, "/room/") {
		return arg, room.ValidateRoomID(arg)
	}
	u, err := url.Parse(arg)
	if err != nil {
		return "", err
	}
	return room.RoomIDFromPath(u.EscapedPath())
}

func parsePosition(arg string) (presence.Geolocator, error) {
	if arg == "" {
		return nil, nil
	}
	parts := strings.Split(arg, ",")
	if len(parts) != 2 {
		return nil, strconv.ErrSyntax
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return nil, err
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return nil, err
	}
	return presence.StaticGeolocator{Position: presence.Position{Lat: lat, Lng: lng}}, nil
}

func main() {
	_ = godotenv.Load()
	flag.Parse()

	log, _ := zap.NewDevelopment()
	defer log.Sync()

	cfg := config.Default()
	if path := flagOrEnv(configPath, "CONFIG_PATH", ""); path != "" {
		parsed, err := config.ParseConfig(path)
		if err != nil {
			log.Fatal("Invalid configuration", zap.Error(err))
		}
		cfg = parsed
	}

	roomID, err := parseRoom(*roomArg)
	if err != nil {
		log.Fatal("Invalid room", zap.String("room", *roomArg), zap.Error(err))
	}
	geolocator, err := parsePosition(*position)
	if err != nil {
		log.Fatal("Invalid position", zap.String("position", *position), zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := comms.NewSocketTransport(flagOrEnv(serverURL, "SERVER_URL", "ws://localhost:"+cfg.Port+"/ws"), log.Named("transport"))
	notices := presence.NoticeFunc(func(err error) {
		log.Warn("Notice", zap.Error(err))
	})
	client := presence.NewClient(log.Named("presence"), transport, geolocator, notices)
	opts := presence.DefaultLocateOptions
	opts.Timeout = cfg.GeolocationTimeout
	client.SetLocateOptions(opts)
	defer client.Leave()

	baseURL := flagOrEnv(routingService, "ROUTING_SERVICE_URL", cfg.RoutingServiceURL)
	var coordinator *route.Coordinator
	if *target != "" && baseURL != "" {
		coordinator = route.NewCoordinator(log.Named("route"), route.NewHTTPService(baseURL, nil), cfg.RouteTimeout)
		defer coordinator.Close()
		coordinator.Select(*target)
		coordinator.OnChange(func(s route.State) {
			switch {
			case s.Loading:
				log.Info("Loading route", zap.String("target", s.TargetID))
			case s.Unavailable:
				log.Info("No route available", zap.String("target", s.TargetID))
			case s.Route != nil:
				log.Info("Route", zap.String("target", s.TargetID), zap.ByteString("route", s.Route))
			}
		})
	} else if *target != "" {
		log.Warn("No routing service configured, not routing", zap.String("target", *target))
	}

	client.OnRosterUpdate(func(r presence.Roster) {
		if r == nil {
			stop()
			return
		}
		for _, m := range r {
			log.Info("Member",
				zap.String("id", m.ID), zap.Bool("me", m.IsMe), zap.Bool("located", m.Located),
				zap.Float64("lat", m.Lat), zap.Float64("lng", m.Lng))
		}
		if coordinator != nil {
			coordinator.SetSelf(client.SelfID())
			coordinator.UpdateRoster(r)
		}
	})

	if err := client.JoinRoom(ctx, roomID); err != nil {
		log.Fatal("Unable to join room", zap.Error(err))
	}
	if origin := os.Getenv("FRONTEND_ORIGIN"); origin != "" {
		log.Info("Share this room", zap.String("url", room.ShareURL(origin, roomID)))
	}

	<-ctx.Done()
}
