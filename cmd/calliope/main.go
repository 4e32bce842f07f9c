// Command calliope plays local audio files through the default (or a named)
// output device, with gapless transitions between queued tracks.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/calliope-player/calliope/internal/config"
	"github.com/calliope-player/calliope/internal/decode"
	"github.com/calliope-player/calliope/internal/engine"
	"github.com/calliope-player/calliope/internal/playlist"
	"github.com/calliope-player/calliope/internal/queue"
	"github.com/calliope-player/calliope/internal/util"
)

func main() {
	device := flag.String("device", "", "output device name substring (default: system default)")
	rate := flag.Uint("rate", 0, "force output sample rate in Hz (0 = follow source)")
	shuffle := flag.Bool("shuffle", false, "shuffle playback order")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <file|directory>...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}

	settings := config.DefaultSettings()
	if mgr, err := config.NewManager(); err != nil {
		slog.Warn("settings unavailable, using defaults", "error", err)
	} else {
		settings = mgr.Settings()
	}
	if *device != "" {
		settings.AudioDevice = *device
	}
	if *rate != 0 {
		settings.SampleRate = uint32(*rate)
	}

	tracks, startIdx, err := collectTracks(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(tracks) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no playable files (supported: %s)\n", decode.SupportedExtsList())
		os.Exit(1)
	}

	q := queue.New(tracks)
	q.SetCurrentIndex(startIdx)
	if *shuffle {
		q.EnableShuffle()
	}

	eng := engine.New(settings.OutputConfig())
	defer eng.Close()

	if err := startCurrent(eng, q); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	runLoop(eng, q)
}

// runLoop multiplexes stdin commands and track-completion events. The queue
// is only touched here.
func runLoop(eng *engine.Engine, q *queue.Queue) {
	completions := eng.SubscribeTrackCompletion()
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	printHelp()
	printNowPlaying(eng, q)

	for {
		select {
		case <-completions:
			if !onTrackEnded(eng, q) {
				fmt.Println("End of queue.")
				return
			}
			printNowPlaying(eng, q)

		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := dispatch(eng, q, line); quit {
				return
			}
		}
	}
}

// onTrackEnded syncs the queue after the engine finished a track. When the
// engine already switched to the prebuffered next track it keeps playing;
// otherwise the next track is started cold. Returns false at end of queue.
func onTrackEnded(eng *engine.Engine, q *queue.Queue) bool {
	if !q.Advance() {
		return false
	}
	cur := q.Current()

	// A gapless handoff leaves the engine playing the advanced track
	// already; only the upcoming prebuffer target needs refreshing.
	if info, ok := eng.Track(); ok && eng.State() == engine.StatePlaying && info.Path == cur.Path {
		setUpcoming(eng, q)
		return true
	}

	if err := startCurrent(eng, q); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}
	return true
}

// startCurrent loads and plays the queue's current track. LoadTrack stops
// any playing track itself, so no separate stop is needed.
func startCurrent(eng *engine.Engine, q *queue.Queue) error {
	cur := q.Current()
	if cur == nil {
		return fmt.Errorf("queue has no current track")
	}
	if err := eng.LoadTrack(cur.Path); err != nil {
		return err
	}
	if err := eng.Play(); err != nil {
		return err
	}
	setUpcoming(eng, q)
	return nil
}

func setUpcoming(eng *engine.Engine, q *queue.Queue) {
	if next := q.Next(); next != nil {
		eng.SetNext(next.Path)
	} else {
		eng.SetNext("")
	}
}

// dispatch executes one console command. Returns true to quit.
func dispatch(eng *engine.Engine, q *queue.Queue, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	var err error

	switch cmd {
	case "":
	case "p", "pause":
		err = eng.Pause()
	case "r", "resume":
		err = eng.Resume()
	case "n", "next":
		if !onTrackEnded(eng, q) {
			fmt.Println("End of queue.")
			return true
		}
		printNowPlaying(eng, q)
	case "b", "prev":
		if q.Previous() {
			if err = startCurrent(eng, q); err == nil {
				printNowPlaying(eng, q)
			}
		} else {
			err = eng.Seek(0)
		}
	case "seek":
		secs, convErr := strconv.ParseUint(arg, 10, 64)
		if convErr != nil {
			fmt.Println("usage: seek <seconds>")
			break
		}
		err = eng.Seek(secs * 1000)
	case "shuffle":
		if q.IsShuffled() {
			q.DisableShuffle()
			fmt.Println("Shuffle off.")
		} else {
			q.EnableShuffle()
			fmt.Println("Shuffle on.")
		}
		setUpcoming(eng, q)
	case "l", "list":
		printQueue(q)
	case "s", "status":
		printStatus(eng)
	case "q", "quit":
		return true
	case "h", "help":
		printHelp()
	default:
		fmt.Printf("Unknown command %q (h for help)\n", cmd)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return false
}

func printNowPlaying(eng *engine.Engine, q *queue.Queue) {
	info, ok := eng.Track()
	if !ok {
		return
	}
	title := info.Metadata.Title
	if title == "" {
		title = q.Current().Title
	}
	line := fmt.Sprintf("Now playing [%d/%d]: %s", q.CurrentIndex()+1, q.Len(), title)
	if info.Metadata.Artist != "" {
		line += " - " + info.Metadata.Artist
	}
	fmt.Println(line)
}

func printStatus(eng *engine.Engine) {
	info, ok := eng.Track()
	if !ok {
		fmt.Println("Stopped.")
		return
	}
	pos, _ := eng.PositionMS()
	fmt.Printf("%s  %s / %s  (%d Hz, %d ch)\n",
		eng.State(),
		util.FormatDuration(time.Duration(pos)*time.Millisecond),
		util.FormatDuration(time.Duration(info.DurationMS)*time.Millisecond),
		info.Format.SampleRate, info.Format.Channels)
}

func printQueue(q *queue.Queue) {
	for i := 0; i < q.Len(); i++ {
		marker := "  "
		if i == q.CurrentIndex() {
			marker = "> "
		}
		fmt.Printf("%s%2d. %s\n", marker, i+1, q.Track(i).Title)
	}
}

func printHelp() {
	fmt.Println("Commands: p)ause r)esume n)ext b/prev seek <s> shuffle l)ist s)tatus q)uit")
}

// collectTracks expands the arguments into an ordered track list plus the
// index to start from. Directory arguments are scanned for supported files;
// a single file argument pulls in its directory siblings so an album plays
// through from that file.
func collectTracks(args []string) ([]queue.Track, int, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, 0, err
		}
		if info.IsDir() {
			found, err := scanDir(arg)
			if err != nil {
				return nil, 0, err
			}
			paths = append(paths, found...)
			continue
		}
		if playlist.IsPlaylistExt(filepath.Ext(arg)) {
			entries, err := playlist.Parse(arg)
			if err != nil {
				return nil, 0, err
			}
			paths = append(paths, playlist.FilterPlayable(entries)...)
			continue
		}
		if !decode.IsSupportedExt(filepath.Ext(arg)) {
			return nil, 0, fmt.Errorf("unsupported format %s (supported: %s)",
				filepath.Ext(arg), decode.SupportedExtsList())
		}
		paths = append(paths, arg)
	}

	startIdx := 0
	if len(args) == 1 && len(paths) == 1 && decode.IsSupportedExt(filepath.Ext(args[0])) {
		if siblings := scanSiblings(paths[0]); siblings != nil {
			abs, _ := filepath.Abs(paths[0])
			for i, f := range siblings {
				if f == abs {
					startIdx = i
				}
			}
			paths = siblings
		}
	}

	tracks := make([]queue.Track, len(paths))
	for i, p := range paths {
		tracks[i] = queue.Track{
			Path:  p,
			Title: strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)),
		}
	}
	return tracks, startIdx, nil
}

// scanDir returns the supported files directly inside dir, sorted
// alphabetically (case-insensitive).
func scanDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if decode.IsSupportedExt(filepath.Ext(e.Name())) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Slice(files, func(i, j int) bool {
		return strings.ToLower(filepath.Base(files[i])) < strings.ToLower(filepath.Base(files[j]))
	})
	return files, nil
}

// scanSiblings returns all supported files in the same directory as path,
// sorted alphabetically. Returns nil if fewer than 2 files are found.
func scanSiblings(path string) []string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil
	}
	files, err := scanDir(filepath.Dir(abs))
	if err != nil || len(files) < 2 {
		return nil
	}
	return files
}
