package resolver

import (
	"regexp"

	"Aegis-Assist/internal/operation"
)

// DefaultTemplates 返回内置命令目录。顺序即匹配顺序，
// 新的后端能力通过 AddTemplate 在此之后追加。
func DefaultTemplates() []Template {
	return []Template{
		{
			Name:    "file.read",
			Pattern: regexp.MustCompile(`^(?:read|show me|cat)(?: the)?(?: file)? (?P<path>\S+)$`),
			Type:    operation.TypeFileOp,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.FileActionRead, Path: groups["path"]}
			},
		},
		{
			Name:    "file.write",
			Pattern: regexp.MustCompile(`^(?:create|write)(?: a)?(?: new)? file (?P<path>\S+?)(?: with content (?P<content>.+))?$`),
			Type:    operation.TypeFileOp,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{
					Action:  operation.FileActionWrite,
					Path:    groups["path"],
					Content: groups["content"],
				}
			},
		},
		{
			Name:    "file.delete",
			Pattern: regexp.MustCompile(`^(?:delete|remove)(?: the)? file (?P<path>\S+)$`),
			Type:    operation.TypeFileOp,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.FileActionDelete, Path: groups["path"]}
			},
		},
		{
			Name:    "file.list",
			Pattern: regexp.MustCompile(`^list(?: the)? (?:files|contents)(?: (?:in|of))?(?: the)? (?:directory|folder) (?P<path>\S+)$`),
			Type:    operation.TypeFileOp,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.FileActionList, Path: groups["path"]}
			},
		},
		{
			Name:    "file.search",
			Pattern: regexp.MustCompile(`^(?:search|find)(?: for)? (?P<query>.+?) in (?P<path>\S+)$`),
			Type:    operation.TypeFileOp,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.FileActionSearch, Query: groups["query"], Path: groups["path"]}
			},
		},
		{
			Name:    "web.navigate",
			Pattern: regexp.MustCompile(`^(?:go to|navigate to|browse to|open the (?:website|url|page)) (?P<url>\S+)$`),
			Type:    operation.TypeWebNav,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.WebActionNavigate, URL: groups["url"]}
			},
		},
		{
			Name:    "web.screenshot",
			Pattern: regexp.MustCompile(`^(?:take a )?screenshot(?: of)?(?: the)?(?: current)?(?: page)?$`),
			Type:    operation.TypeWebNav,
			Build: func(map[string]string) operation.Params {
				return operation.Params{Action: operation.WebActionScreenshot}
			},
		},
		{
			Name:    "app.launch",
			Pattern: regexp.MustCompile(`^(?:launch|start|open the app|run the app) (?P<app>\S+)$`),
			Type:    operation.TypeAppControl,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{App: groups["app"]}
			},
		},
		{
			Name:    "settings.get",
			Pattern: regexp.MustCompile(`^(?:get|check)(?: the)? (?P<setting>[\w.]+) setting$`),
			Type:    operation.TypeSystemSettings,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.SettingActionGet, Setting: groups["setting"]}
			},
		},
		{
			Name:    "settings.set",
			Pattern: regexp.MustCompile(`^set(?: the)? (?P<setting>[\w.]+)(?: setting)? to (?P<value>.+)$`),
			Type:    operation.TypeSystemSettings,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Action: operation.SettingActionSet, Setting: groups["setting"], Value: groups["value"]}
			},
		},
		{
			Name:    "command.exec",
			Pattern: regexp.MustCompile(`^(?:run|execute)(?: the)?(?: shell)?(?: command)? (?P<command>.+)$`),
			Type:    operation.TypeCommandExec,
			Build: func(groups map[string]string) operation.Params {
				return operation.Params{Command: groups["command"]}
			},
		},
	}
}
