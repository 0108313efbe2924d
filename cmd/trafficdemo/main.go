package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pv/traffic-demo-go/internal/api"
	"github.com/pv/traffic-demo-go/internal/crossers"
	"github.com/pv/traffic-demo-go/internal/demo"
	"github.com/pv/traffic-demo-go/internal/frames"
	"github.com/pv/traffic-demo-go/internal/persist"
	"github.com/pv/traffic-demo-go/internal/telemetry"
	chSink "github.com/pv/traffic-demo-go/internal/telemetry/clickhouse"
	"github.com/pv/traffic-demo-go/internal/telemetry/csvfile"
	influxSink "github.com/pv/traffic-demo-go/internal/telemetry/influxdb"
	pgSink "github.com/pv/traffic-demo-go/internal/telemetry/postgres"
	sqliteSink "github.com/pv/traffic-demo-go/internal/telemetry/sqlite"
	"github.com/pv/traffic-demo-go/internal/world"
	"github.com/pv/traffic-demo-go/internal/world/simworld"
	"github.com/pv/traffic-demo-go/pkg/config"
)

type options struct {
	configPath  string
	generateCfg string

	noSave     bool
	noWalkers  bool
	lowres     bool
	tmOff      bool
	qualityLow bool

	telemetrySink string
	outDir        string
	httpAddr      string
	duration      time.Duration

	logFile   string
	debugLogs bool
	version   bool
}

const version = "1.1.0-dev"

const connectTimeout = 10 * time.Second

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println("trafficdemo", version)
		return
	}

	if err := configureLogging(opts.logFile); err != nil {
		log.Fatalf("log file: %v", err)
	}

	if opts.generateCfg != "" {
		if err := config.WriteExample(opts.generateCfg); err != nil {
			log.Fatalf("write example config: %v", err)
		}
		fmt.Printf("Example config written to %s\n", opts.generateCfg)
		return
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", opts.configPath, err)
	}
	applyFlagOverrides(&cfg, opts)

	if opts.qualityLow {
		log.Printf("reminder: -quality-low does not change simulator settings, start the simulator with its own low-quality option")
	}

	if err := run(cfg, opts); err != nil {
		log.Fatalf("trafficdemo: %v", err)
	}
}

func parseFlags() options {
	var opt options

	flag.StringVar(&opt.configPath, "config", "", "path to YAML config with default settings")
	flag.StringVar(&opt.generateCfg, "generate-config", "", "write example YAML config to file (use '-' for stdout) and exit")

	flag.BoolVar(&opt.noSave, "no-save", false, "disable saving camera frames to disk")
	flag.BoolVar(&opt.noWalkers, "no-walkers", false, "disable crossing pedestrians")
	flag.BoolVar(&opt.lowres, "lowres", false, "use the low-resolution camera profile")
	flag.BoolVar(&opt.tmOff, "tm-off", false, "run without the traffic manager")
	flag.BoolVar(&opt.qualityLow, "quality-low", false, "reminder flag: configure simulator render quality separately")

	flag.StringVar(&opt.telemetrySink, "telemetry", "", "telemetry sink: CSV path or DSN (sqlite://, clickhouse://, postgres://, influxdb://)")
	flag.StringVar(&opt.outDir, "out", "", "directory for saved camera frames")
	flag.StringVar(&opt.httpAddr, "http-addr", "", "serve HUD over HTTP on the given addr (e.g. :8080)")
	flag.DurationVar(&opt.duration, "duration", 0, "stop after this wall-clock duration (0 — run until quit)")

	flag.StringVar(&opt.logFile, "log-file", "", "write logs to file instead of stderr")
	flag.BoolVar(&opt.debugLogs, "debug", false, "enable verbose debug logs for HTTP/control")
	flag.BoolVar(&opt.version, "version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Traffic demo with crossing pedestrians. Example:")
		fmt.Fprintf(flag.CommandLine.Output(), "  %s --telemetry sqlite://telemetry.db --http-addr :8080 --lowres\n\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()
	return opt
}

func applyFlagOverrides(cfg *config.Config, opts options) {
	if opts.noSave {
		cfg.Persist.Enabled = false
	}
	if opts.noWalkers {
		cfg.Crossers.Enabled = false
	}
	if opts.tmOff {
		cfg.TrafficManager.Enabled = false
	}
	if opts.telemetrySink != "" {
		cfg.Telemetry.Sink = opts.telemetrySink
	}
	if opts.outDir != "" {
		cfg.Persist.OutDir = opts.outDir
	}
	if opts.httpAddr != "" {
		cfg.HTTPAddr = opts.httpAddr
	}
	if opts.duration > 0 {
		cfg.Duration = config.Duration(opts.duration)
	}
}

func run(cfg config.Config, opts options) error {
	runID := uuid.NewString()
	meta := telemetry.RunMeta{RunID: runID, StartedAt: time.Now()}
	log.Printf("run %s: tick rate %d Hz, persistence %v, walkers %v, traffic manager %v",
		runID, cfg.TickRate, cfg.Persist.Enabled, cfg.Crossers.Enabled, cfg.TrafficManager.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink, err := openSink(ctx, cfg.Telemetry.Sink)
	if err != nil {
		return fmt.Errorf("telemetry sink: %w", err)
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
	client, err := simworld.Connect(connectCtx, simworld.Config{Step: cfg.TickStep()})
	connectCancel()
	if err != nil {
		sink.Close()
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Close()

	w := client.World()
	originalSettings := w.Settings()
	if err := w.ApplySettings(world.Settings{Synchronous: true, FixedDelta: cfg.TickStep()}); err != nil {
		log.Printf("apply settings: %v", err)
	}

	var tracked []world.ActorID

	ego, err := spawnEgo(w, cfg.Vehicle)
	if err != nil {
		// настройки мира уже изменены — откатываем перед выходом
		if rerr := w.ApplySettings(originalSettings); rerr != nil {
			log.Printf("restore settings: %v", rerr)
		}
		sink.Close()
		return err
	}
	tracked = append(tracked, ego.ID())
	log.Printf("ego %s spawned as actor %d", cfg.Vehicle.Template, ego.ID())

	tmPort := -1
	if cfg.TrafficManager.Enabled {
		tm, tmErr := client.TrafficManager(cfg.TrafficManager.Port)
		if tmErr != nil {
			log.Printf("traffic manager unavailable, running without it: %v", tmErr)
		} else {
			tm.SetSynchronous(true)
			tm.SetGlobalLeadDistance(cfg.TrafficManager.LeadDistance)
			tmPort = tm.Port()
		}
	}
	if err := ego.SetAutopilot(true, tmPort); err != nil {
		log.Printf("ego autopilot: %v", err)
	}

	tracked = append(tracked, spawnTraffic(w, ego, cfg.Vehicle, tmPort)...)

	buf := frames.NewBuffer()
	wd := frames.NewWatchdog()
	collisions := demo.NewCollisionLog(32)

	var queue *persist.Queue
	var worker *persist.Worker
	var stats *persist.Stats
	outRoot := filepath.Join(cfg.Persist.OutDir, runID)
	if cfg.Persist.Enabled {
		queue = persist.NewQueue(cfg.Persist.QueueCapacity)
		worker = persist.NewWorker(queue, persist.FileWriter{})
		worker.Start()
		stats = queue.Stats()
		log.Printf("saving every %dth frame under %s", cfg.Persist.SampleEveryN, outRoot)
	}
	sampler := persist.Sampler{EveryN: cfg.Persist.SampleEveryN}

	profile := cfg.Profile(opts.lowres)
	sensors, err := attachSensors(w, ego, profile, buf, wd, collisions, queue, sampler, outRoot)
	if err != nil {
		// частично созданные сенсоры попадут в общий batch destroy
		log.Printf("sensors: %v", err)
	}
	for _, s := range sensors {
		tracked = append(tracked, s.ID())
	}

	var scheduler *crossers.Scheduler
	if cfg.Crossers.Enabled {
		scheduler = crossers.New(w, crossers.Config{
			Enabled:       true,
			MaxActive:     cfg.Crossers.MaxActive,
			CadenceFrames: cfg.Crossers.CadenceFrames,
			FrameFloor:    cfg.Crossers.FrameFloor,
			StagingDist:   cfg.Crossers.StagingDist,
			TriggerDist:   cfg.Crossers.TriggerDist,
			LateralMin:    cfg.Crossers.LateralMin,
			LateralMax:    cfg.Crossers.LateralMax,
			SpeedMin:      cfg.Crossers.SpeedMin,
			SpeedMax:      cfg.Crossers.SpeedMax,
			Templates:     cfg.Crossers.Templates,
		}, nil)
	}

	commands := make(chan demo.Command, 4)
	notifySignals(commands)

	loop := &demo.Loop{
		World:           w,
		Ego:             ego,
		Watchdog:        wd,
		WatchdogTimeout: cfg.WatchdogTimeout.Std(),
		Ring:            telemetry.NewRing(cfg.Telemetry.Capacity),
		Tracker:         &telemetry.Tracker{},
		Crossers:        scheduler,
		Collisions:      collisions,
		PersistStats:    stats,
		RunID:           runID,
		Step:            cfg.TickStep(),
		Duration:        cfg.Duration.Std(),
	}

	ctrl := demo.Control{Commands: commands}
	if cfg.HTTPAddr != "" {
		streamer := api.NewStateStreamer()
		api.SetDebugLogging(opts.debugLogs)
		server := api.NewServer(streamer, buf, commands)
		ctrl.OnTick = streamer.Publish
		go func() {
			log.Printf("starting HUD server on %s", cfg.HTTPAddr)
			if serr := server.Listen(ctx, cfg.HTTPAddr); serr != nil && serr != context.Canceled {
				log.Printf("hud server: %v", serr)
			}
		}()
	} else {
		loop.Renderers = append(loop.Renderers, &demo.StdoutRenderer{
			Writer:   os.Stdout,
			Interval: time.Second,
		})
	}

	reason, runErr := loop.Run(ctx, ctrl)
	log.Printf("loop stopped: %s", reason)

	if scheduler != nil {
		tracked = append(tracked, scheduler.ActorIDs()...)
	}
	teardown := demo.Teardown{
		Sensors:         sensors,
		Ring:            loop.Ring,
		Sink:            sink,
		Meta:            meta,
		Queue:           queue,
		Worker:          worker,
		DrainTimeout:    cfg.Persist.DrainTimeout.Std(),
		Client:          client,
		ActorIDs:        tracked,
		World:           w,
		RestoreSettings: &originalSettings,
	}
	teardown.Run(context.Background())

	if runErr != nil {
		return runErr
	}
	if stats != nil {
		log.Printf("frames: %d enqueued, %d written, %d dropped, %d failed",
			stats.Enqueued.Load(), stats.Written.Load(), stats.Dropped.Load(), stats.Failed.Load())
	}
	return nil
}

// spawnEgo пробует случайные точки спавна до retries раз; занятая точка —
// не ошибка, полный неуспех — фатальный.
func spawnEgo(w world.World, cfg config.VehicleConfig) (world.Vehicle, error) {
	points := w.SpawnPoints()
	if len(points) == 0 {
		return nil, fmt.Errorf("spawn ego: map has no spawn points")
	}
	var lastErr error
	for attempt := 0; attempt < cfg.EgoSpawnRetries; attempt++ {
		tf := points[attempt%len(points)]
		v, err := w.TrySpawnVehicle(cfg.Template, tf)
		if err == nil {
			return v, nil
		}
		lastErr = err
		log.Printf("spawn ego attempt %d/%d: %v", attempt+1, cfg.EgoSpawnRetries, err)
	}
	return nil, fmt.Errorf("spawn ego: %d attempts failed: %w", cfg.EgoSpawnRetries, lastErr)
}

// spawnTraffic создаёт фоновый трафик на автопилоте, пропуская точки рядом
// с эго. Неудачный спавн отдельной машины — не ошибка.
func spawnTraffic(w world.World, ego world.Vehicle, cfg config.VehicleConfig, tmPort int) []world.ActorID {
	if cfg.MaxOther <= 0 {
		return nil
	}
	egoLoc := ego.Transform().Location
	var ids []world.ActorID
	for _, tf := range w.SpawnPoints() {
		if len(ids) >= cfg.MaxOther {
			break
		}
		if tf.Location.Distance(egoLoc) < cfg.MinSpawnGap {
			continue
		}
		v, err := w.TrySpawnVehicle(cfg.Template, tf)
		if err != nil {
			continue
		}
		if aerr := v.SetAutopilot(true, tmPort); aerr != nil {
			log.Printf("traffic autopilot for actor %d: %v", v.ID(), aerr)
		}
		ids = append(ids, v.ID())
	}
	log.Printf("spawned %d background vehicles", len(ids))
	return ids
}

// attachSensors создаёт камеры и датчик столкновений на эго и подключает
// коллбеки: буфер кадров, сторожевой таймер, выборочное сохранение.
func attachSensors(
	w world.World,
	ego world.Vehicle,
	profile config.CameraProfile,
	buf *frames.Buffer,
	wd *frames.Watchdog,
	collisions *demo.CollisionLog,
	queue *persist.Queue,
	sampler persist.Sampler,
	outRoot string,
) ([]world.Sensor, error) {
	var sensors []world.Sensor

	cameras := []struct {
		spec world.CameraSpec
		at   world.Transform
	}{
		{
			spec: world.CameraSpec{Stream: "front", Width: profile.Front.Width, Height: profile.Front.Height, FOV: profile.FOV},
			at:   world.Transform{Location: world.Location{X: 1.6, Z: 1.7}},
		},
		{
			spec: world.CameraSpec{Stream: "third", Width: profile.Third.Width, Height: profile.Third.Height, FOV: profile.FOV},
			at:   world.Transform{Location: world.Location{X: -5.5, Z: 2.8}, Rotation: world.Rotation{Pitch: -15}},
		},
	}

	for _, c := range cameras {
		cam, err := w.SpawnCamera(c.spec, c.at, ego)
		if err != nil {
			return sensors, fmt.Errorf("spawn camera %s: %w", c.spec.Stream, err)
		}
		sensors = append(sensors, cam)
		stream := c.spec.Stream
		dir := filepath.Join(outRoot, stream)
		cam.Listen(func(img world.Image) {
			wd.RecordFrame()
			f := frames.Frame{
				Stream:     stream,
				Seq:        img.Frame,
				Width:      img.Width,
				Height:     img.Height,
				Pixels:     img.Pixels,
				ReceivedAt: time.Now(),
			}
			buf.Update(f)
			if queue != nil && sampler.Keep(f.Seq) {
				queue.Enqueue(persist.Task{Path: persist.TaskPath(dir, f.Seq), Frame: f})
			}
		})
	}

	cs, err := w.SpawnCollisionSensor(ego)
	if err != nil {
		return sensors, fmt.Errorf("spawn collision sensor: %w", err)
	}
	sensors = append(sensors, cs)
	cs.Listen(func(ev world.CollisionEvent) {
		collisions.Add(ev)
		log.Printf("collision at frame %d with %s", ev.Frame, ev.Other)
	})

	return sensors, nil
}

func openSink(ctx context.Context, src string) (telemetry.Sink, error) {
	switch {
	case sqliteSink.IsSource(src):
		return sqliteSink.New(ctx, sqliteSink.Config{Source: sqliteSink.NormalizeSource(src)})
	case chSink.IsSource(src):
		return chSink.New(ctx, chSink.Config{DSN: src})
	case pgSink.IsPostgresURL(src):
		return pgSink.New(ctx, pgSink.Config{ConnString: src})
	case influxSink.IsSource(src):
		return influxSink.New(ctx, influxSink.Config{DSN: src})
	default:
		return csvfile.New(src)
	}
}

// notifySignals превращает SIGINT/SIGTERM в команду мягкой остановки.
func notifySignals(commands chan<- demo.Command) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			select {
			case commands <- demo.Command{Type: demo.CommandQuit}:
			default:
			}
		}
	}()
}

func configureLogging(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	log.SetOutput(f)
	return nil
}
