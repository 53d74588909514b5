package catalog

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/anime-finder/backend/internal/model/catalog"
	"github.com/zhouzirui/anime-finder/backend/pkg/utils"
)

// Handler 代币套餐目录的HTTP处理器
type Handler struct {
	packages catalog.Store
}

// New 创建套餐目录处理器
func New(packages catalog.Store) *Handler {
	return &Handler{packages: packages}
}

// RegisterRoutes 注册套餐相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/packages", h.handleListPackages)
	r.Get("/packages/{packageID}", h.handleGetPackage)
}

// handleListPackages 列出所有套餐
func (h *Handler) handleListPackages(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.packages.List())
}

// handleGetPackage 查询单个套餐
func (h *Handler) handleGetPackage(w http.ResponseWriter, r *http.Request) {
	pkg, ok := h.packages.FindByID(chi.URLParam(r, "packageID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "package not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, pkg)
}
