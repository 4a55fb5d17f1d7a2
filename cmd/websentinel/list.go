package main

import (
	"fmt"

	"github.com/RecoveryAshes/WebSentinel/internal/store"
	"github.com/spf13/cobra"
)

// list/history 命令参数
var (
	listActiveOnly bool
	historyLimit   int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "列出监控项",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(appConfig.Storage.Path)
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer st.Close()

		monitors, err := st.ListMonitors(cmd.Context(), listActiveOnly)
		if err != nil {
			return fmt.Errorf("读取监控项失败: %w", err)
		}
		if len(monitors) == 0 {
			fmt.Println("还没有监控项, 先用 'websentinel add' 添加一个")
			return nil
		}

		fmt.Printf("共 %d 个监控项:\n\n", len(monitors))
		for _, m := range monitors {
			flag := "✅"
			if !m.Active {
				flag = "⏸️"
			}
			fmt.Printf("%s [%s] %s\n", flag, m.ID, m.URL)
			fmt.Printf("   选择器: %s | 频率: %s | 用户: %s (%s)\n", m.Selector, m.Frequency, m.UserID, m.Tier)
			if m.CurrentValue != nil {
				fmt.Printf("   当前值: %q\n", truncateValue(*m.CurrentValue, 60))
			}
			if m.LastChecked != nil {
				fmt.Printf("   上次检查: %s | 状态: %s | 连续失败: %d\n",
					m.LastChecked.Format("2006-01-02 15:04:05"), m.LastStatus, m.ConsecutiveFailures)
			}
			if m.LastError != nil {
				fmt.Printf("   ❌ 最近错误: %s\n", *m.LastError)
			}
			if m.PauseReason != nil {
				fmt.Printf("   ⏸️  暂停原因: %s\n", *m.PauseReason)
			}
			fmt.Println()
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <监控项ID>",
	Short: "查看监控项的值变化历史",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(appConfig.Storage.Path)
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer st.Close()

		monitor, err := st.GetMonitor(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		records, err := st.ListChangeRecords(cmd.Context(), monitor.ID, historyLimit)
		if err != nil {
			return fmt.Errorf("读取变化记录失败: %w", err)
		}

		fmt.Printf("🌐 %s\n🔍 %s\n\n", monitor.URL, monitor.Selector)
		if len(records) == 0 {
			fmt.Println("还没有变化记录")
			return nil
		}

		for _, rec := range records {
			old := "<首次取值>"
			if rec.OldValue != nil {
				old = fmt.Sprintf("%q", truncateValue(*rec.OldValue, 40))
			}
			fmt.Printf("%s  %s → %q\n",
				rec.DetectedAt.Format("2006-01-02 15:04:05"), old, truncateValue(rec.NewValue, 40))
		}
		fmt.Printf("\n共 %d 条变化记录\n", len(records))
		return nil
	},
}

// truncateValue 终端展示用的截断,按rune数不拆多字节字符
func truncateValue(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func init() {
	listCmd.Flags().BoolVar(&listActiveOnly, "active-only", false, "只显示激活的监控项")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "最多显示的变化记录条数")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(historyCmd)
}
