package imagechat

import (
	"context"

	"github.com/gin-gonic/gin"
)

// ImageChatService 定义图片问答服务接口
type ImageChatService interface {
	// 将服务的路由注册到 engine 与 apiGroup
	Start(ctx context.Context, engine *gin.Engine, apiGroup *gin.RouterGroup) error
}
