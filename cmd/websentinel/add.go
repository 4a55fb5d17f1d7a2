package main

import (
	"fmt"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/store"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/spf13/cobra"
)

// add 命令参数
var (
	addURL       string
	addSelector  string
	addFrequency string
	addUser      string
	addTier      string
	addEmail     bool
	addFromFile  string
)

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "添加监控项",
	Long: `添加一个或一批监控项:

  # 单个添加
  websentinel add -u https://example.com/item -s "#price" --frequency daily

  # 指定用户与套餐(套餐决定暂停阈值和渲染配额)
  websentinel add -u https://example.com -s ".stock" --user alice --tier pro

  # 从种子文件批量导入,每行格式: URL|选择器[|频率]
  websentinel add --from-file monitors.txt`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateAddFlags(addURL, addSelector, addFrequency, addTier, addFromFile); err != nil {
			return err
		}

		ctx := cmd.Context()
		st, err := store.Open(appConfig.Storage.Path)
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer st.Close()

		// 套餐只在显式指定时写入,避免把已有用户悄悄降回free
		if addTier != "" {
			if err := st.UpsertUser(ctx, addUser, models.ParseTier(addTier)); err != nil {
				return fmt.Errorf("写入用户套餐失败: %w", err)
			}
			utils.Infof("👤 用户 %s 套餐已设为 %s", addUser, addTier)
		}

		if addFromFile != "" {
			return addBatch(cmd, st)
		}
		return addSingle(cmd, st)
	},
}

// addSingle 添加单个监控项
func addSingle(cmd *cobra.Command, st *store.SQLiteStore) error {
	targetURL, err := NormalizeURL(addURL)
	if err != nil {
		return fmt.Errorf("无效的目标URL: %w", err)
	}

	monitor, err := models.NewMonitor(addUser, targetURL, addSelector, models.Frequency(addFrequency))
	if err != nil {
		return err
	}
	monitor.EmailEnabled = addEmail

	if err := st.CreateMonitor(cmd.Context(), monitor); err != nil {
		return fmt.Errorf("创建监控项失败: %w", err)
	}

	fmt.Println("\n==================================================")
	fmt.Println("✅ 监控项已创建")
	fmt.Println("==================================================")
	fmt.Printf("🆔 ID: %s\n", monitor.ID)
	fmt.Printf("🌐 页面: %s\n", monitor.URL)
	fmt.Printf("🔍 选择器: %s\n", monitor.Selector)
	fmt.Printf("⏰ 频率: %s\n", monitor.Frequency)
	fmt.Printf("👤 用户: %s\n", monitor.UserID)
	fmt.Println("==================================================")
	fmt.Printf("运行 'websentinel check --monitor-id %s' 立即检查\n", monitor.ID)
	return nil
}

// addBatch 从种子文件批量导入监控项
func addBatch(cmd *cobra.Command, st *store.SQLiteStore) error {
	seeds, err := utils.ReadMonitorSeedsFromFile(addFromFile)
	if err != nil {
		return fmt.Errorf("读取种子文件失败: %w", err)
	}

	created := 0
	for _, seed := range seeds {
		monitor, err := models.NewMonitor(addUser, seed.URL, seed.Selector, models.Frequency(seed.Frequency))
		if err != nil {
			utils.Warnf("跳过无效的监控定义 %s: %v", seed.URL, err)
			continue
		}
		monitor.EmailEnabled = addEmail

		if err := st.CreateMonitor(cmd.Context(), monitor); err != nil {
			utils.Errorf("创建监控项失败 %s: %v", seed.URL, err)
			continue
		}
		utils.Infof("✅ [%s] %s", monitor.ID, monitor.URL)
		created++
	}

	if created == 0 {
		return fmt.Errorf("种子文件中没有可导入的监控定义")
	}
	utils.Infof("✨ 批量导入完成, 共添加 %d/%d 个监控项", created, len(seeds))
	return nil
}

func init() {
	addCmd.Flags().StringVarP(&addURL, "url", "u", "", "目标页面URL")
	addCmd.Flags().StringVarP(&addSelector, "selector", "s", "", "CSS选择器")
	addCmd.Flags().StringVar(&addFrequency, "frequency", "hourly", "检查频率 (hourly|daily)")
	addCmd.Flags().StringVar(&addUser, "user", "local", "所属用户ID")
	addCmd.Flags().StringVar(&addTier, "tier", "", "用户套餐 (free|pro|power),空表示不修改")
	addCmd.Flags().BoolVar(&addEmail, "email", true, "值变化时发送通知")
	addCmd.Flags().StringVarP(&addFromFile, "from-file", "f", "", "种子文件路径,每行: URL|选择器[|频率]")

	rootCmd.AddCommand(addCmd)
}
