package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/vision-kiosk/backend/internal/client"
	"github.com/zhouzirui/vision-kiosk/backend/internal/config"
	"github.com/zhouzirui/vision-kiosk/backend/internal/logging"
	"github.com/zhouzirui/vision-kiosk/backend/internal/model/image"
	"github.com/zhouzirui/vision-kiosk/backend/internal/orchestrator/controller"
	"github.com/zhouzirui/vision-kiosk/backend/internal/protocol"
)

const usage = `commands:
  open              open the kiosk camera
  close             close the kiosk camera
  shutter [N]       capture after N seconds (default 3)
  edit <prompt>     edit the captured photo
  refine <prompt>   refine the latest result
  save <path>       write the latest result image to path
  reset             drop the current cycle locally
  state             print the current snapshot
  quit`

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] 无法加载 .env，改用系统环境变量: %v\n", err)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置加载失败: %v\n", err)
		os.Exit(1)
	}
	logging.Init(cfg.Log, "controller")

	relayURL := flag.String("relay", cfg.Kiosk.RelayURL, "中继服务地址")
	sessionID := flag.String("session", "", "展台显示的会话码")
	flag.Parse()

	if strings.TrimSpace(*sessionID) == "" {
		flag.Usage()
		log.Fatal().Msg("请通过 -session 指定展台显示的会话码")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := controller.New(nil, controller.Options{
		CaptureTimeout: cfg.Controller.CaptureTimeout,
		ResultTimeout:  cfg.Controller.ResultTimeout,
		Listener: func(s controller.Snapshot) {
			event := log.Info().Str("state", string(s.State)).Bool("kiosk_online", s.KioskOnline)
			if s.Countdown > 0 {
				event = event.Int("countdown", s.Countdown)
			}
			if s.ErrorCode != "" {
				event = event.Str("error_code", s.ErrorCode).Str("error", s.Error)
			}
			event.Msg("controller state")
		},
	})

	conn := client.New(client.DefaultOptions(*relayURL, protocol.RoleTablet), ctrl)
	ctrl.SetSender(conn)

	if err := conn.Open(ctx, strings.ToUpper(strings.TrimSpace(*sessionID))); err != nil {
		log.Fatal().Err(err).Msg("连接中继失败")
	}
	defer conn.Close()

	fmt.Println(usage)
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.Done():
			log.Warn().Err(conn.Err()).Msg("relay connection ended")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, ctrl, line); quit {
				return
			}
		}
	}
}

func runCommand(ctx context.Context, ctrl *controller.Controller, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	switch strings.ToLower(cmd) {
	case "":
		return false
	case "open":
		err = ctrl.OpenCamera(reqCtx)
	case "close":
		err = ctrl.CloseCamera(reqCtx)
	case "shutter":
		countdown := protocol.DefaultCountdown
		if arg != "" {
			if countdown, err = strconv.Atoi(arg); err != nil {
				err = fmt.Errorf("invalid countdown %q", arg)
				break
			}
		}
		err = ctrl.StartCapture(reqCtx, countdown)
	case "edit":
		err = ctrl.Edit(reqCtx, arg)
	case "refine":
		err = ctrl.Refine(reqCtx, arg)
	case "save":
		err = saveResult(ctrl.Snapshot(), arg)
	case "reset":
		ctrl.Reset()
	case "state":
		fmt.Printf("%+v\n", ctrl.Snapshot())
	case "quit", "exit":
		return true
	default:
		fmt.Println(usage)
	}

	if err != nil {
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
	}
	return false
}

func saveResult(snap controller.Snapshot, path string) error {
	if path == "" {
		return errors.New("save needs a file path")
	}
	if snap.Result == nil || snap.Result.DataURL == "" {
		return errors.New("no result image to save")
	}
	img, err := image.ParseDataURL(snap.Result.DataURL)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, img.Data, 0o644); err != nil {
		return fmt.Errorf("写入结果文件失败: %w", err)
	}
	log.Info().Str("path", path).Str("reference", snap.Result.Reference).Msg("result saved")
	return nil
}
