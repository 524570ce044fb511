package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/yuhaven/moments/internal/composer"
	"github.com/yuhaven/moments/internal/config"
	"github.com/yuhaven/moments/internal/gateway"
	"github.com/yuhaven/moments/internal/llm"
	"github.com/yuhaven/moments/internal/qzone"
	"github.com/yuhaven/moments/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "moments",
	Short: "moments - a chat companion that remembers your days and shares them",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bot (channels + scheduler + cron)",
	RunE:  runRun,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show moments status",
	RunE:  runStatus,
}

var postCmd = &cobra.Command{
	Use:   "post [text]",
	Short: "Publish one post now (composed from memories when no text is given)",
	RunE:  runPost,
}

var summaryDate string

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize a day's records for all whitelisted users (default: yesterday)",
	RunE:  runSummary,
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge expired records and summaries",
	RunE:  runCleanup,
}

func init() {
	summaryCmd.Flags().StringVar(&summaryDate, "date", "", "day to summarize (YYYY-MM-DD)")
	rootCmd.AddCommand(runCmd, onboardCmd, statusCmd, postCmd, summaryCmd, cleanupCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'moments onboard' or set MOMENTS_API_KEY / OPENAI_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(filepath.Join(cfgDir, "data"), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key, telegram token and user whitelist\n", cfgPath)
	fmt.Println("  2. Paste your Qzone cookie into qzone.cookie to enable posting")
	fmt.Println("  3. Run 'moments run' to start the bot")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Model: %s\n", cfg.Provider.Model)
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Telegram.Enabled)
	fmt.Printf("Memory: enabled=%v whitelist=%v\n", cfg.Memory.Enabled, cfg.Memory.UserWhitelist)
	fmt.Printf("Post: enabled=%v window=%s-%s count=%d\n",
		cfg.Post.Enabled, cfg.Post.WindowStart, cfg.Post.WindowEnd, cfg.Post.DailyCount)
	fmt.Printf("Comment: enabled=%v targets=%v\n", cfg.Comment.Enabled, cfg.Comment.Targets)

	if cfg.Qzone.Cookie == "" {
		fmt.Println("Qzone: cookie not set")
	} else if creds, err := qzone.ParseCookie(cfg.Qzone.Cookie); err != nil {
		fmt.Printf("Qzone: cookie invalid (%v)\n", err)
	} else {
		fmt.Printf("Qzone: uin %s\n", creds.Uin)
	}

	st, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	defer st.Close()

	stats, err := st.Stats()
	if err != nil {
		fmt.Printf("Store: error (%v)\n", err)
		return nil
	}
	fmt.Printf("Store: %d records, %d summaries\n", stats.Records, stats.Summaries)

	return nil
}

func runPost(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Qzone.Cookie == "" {
		return fmt.Errorf("qzone cookie not set")
	}

	client, err := qzone.NewClient(cfg.Qzone.Cookie)
	if err != nil {
		return fmt.Errorf("qzone session: %w", err)
	}

	text := ""
	if len(args) > 0 {
		text = args[0]
	}
	if text == "" {
		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		comp := composer.New(llm.NewClient(cfg), cfg.Prompts)
		var summaries []store.DailySummary
		for _, user := range cfg.Memory.UserWhitelist {
			recent, err := st.RecentSummaries(user, 3, time.Now())
			if err != nil {
				continue
			}
			summaries = append(summaries, recent...)
		}
		text = comp.ComposePost(context.Background(), summaries)
	}

	tid, err := client.Publish(context.Background(), text, nil)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Printf("Published %s: %s\n", tid, text)
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	comp := composer.New(llm.NewClient(cfg), cfg.Prompts)
	date, err := resolveSummaryDate(summaryDate, time.Now())
	if err != nil {
		return err
	}
	ctx := context.Background()

	for _, user := range cfg.Memory.UserWhitelist {
		if existing, err := st.GetSummary(user, date); err != nil {
			fmt.Printf("%s: error (%v)\n", user, err)
			continue
		} else if existing != nil {
			fmt.Printf("%s: already summarized\n", user)
			continue
		}
		records, err := st.RecordsByDate(user, date)
		if err != nil {
			fmt.Printf("%s: error (%v)\n", user, err)
			continue
		}
		if len(records) == 0 {
			fmt.Printf("%s: no records for %s\n", user, date)
			continue
		}
		text, err := comp.Summarize(ctx, records)
		if err != nil {
			fmt.Printf("%s: error (%v)\n", user, err)
			continue
		}
		if _, err := st.PutSummary(user, date, text, len(records)); err != nil {
			fmt.Printf("%s: error (%v)\n", user, err)
			continue
		}
		fmt.Printf("%s: %s\n", user, text)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	records, summaries, err := st.PurgeOlderThan(cfg.Memory.RetentionDays, cfg.Memory.RetentionDays*2, time.Now())
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Printf("Removed %d records, %d summaries\n", records, summaries)
	return nil
}

// resolveSummaryDate validates an explicit --date and defaults to the day
// before now.
func resolveSummaryDate(flag string, now time.Time) (string, error) {
	if flag == "" {
		return now.AddDate(0, 0, -1).Format(store.DateLayout), nil
	}
	if _, err := time.ParseInLocation(store.DateLayout, flag, time.Local); err != nil {
		return "", fmt.Errorf("invalid date %q: want YYYY-MM-DD", flag)
	}
	return flag, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(config.ConfigDir(), "data", "moments.db")
	}
	st, err := store.NewStore(dbPath, store.Options{
		Whitelist:        cfg.Memory.UserWhitelist,
		MaxDailyMessages: cfg.Memory.MaxDailyMessages,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}
